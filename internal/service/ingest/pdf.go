package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"taxflow/internal/models"
)

func isPDF(doc *models.Document) bool {
	return doc.FileType == "application/pdf" || strings.EqualFold(filepath.Ext(doc.FileName), ".pdf")
}

// pdfPageCount validates the file leniently and returns its page count.
func pdfPageCount(path string) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return 0, fmt.Errorf("invalid pdf: %w", err)
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	return n, nil
}
