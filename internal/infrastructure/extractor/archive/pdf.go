package archive

import (
	"context"
	"fmt"
	"os"
	"strconv"

	ledpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

// PDFReader lists the image XObjects of every page and pulls a single image
// per task. Pages without embedded images contribute nothing.
type PDFReader struct {
	conf *model.Configuration
}

func NewPDFReader() *PDFReader {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFReader{conf: conf}
}

func (r *PDFReader) List(_ context.Context, archivePath string) (tasks []domain.ExtractionTask, err error) {
	f, doc, err := ledpdf.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	// The object parser panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			tasks, err = nil, fmt.Errorf("parse pdf: %v", rec)
		}
	}()

	for pageNum := 1; pageNum <= doc.NumPage(); pageNum++ {
		page := doc.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		xobjects := page.Resources().Key("XObject")
		index := 0
		for _, name := range xobjects.Keys() {
			xobj := xobjects.Key(name)
			if xobj.Key("Subtype").Name() != "Image" {
				continue
			}
			tasks = append(tasks, domain.ExtractionTask{
				Ordinal: len(tasks),
				Locator: domain.Locator{
					Entry:      name,
					PDFPage:    pageNum,
					ImageIndex: index,
				},
				OutputName: fmt.Sprintf("page%d_%d.%s", pageNum, index, imageExt(xobj.Key("Filter"))),
			})
			index++
		}
	}
	return tasks, nil
}

func (r *PDFReader) Read(_ context.Context, archivePath string, task domain.ExtractionTask) ([]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	loc := task.Locator
	var data []byte
	found := false
	digest := func(img model.Image, _ bool, _ int) error {
		if found || img.Name != loc.Entry {
			return nil
		}
		found = true
		var err error
		data, err = readEntry(img, fmt.Sprintf("page %d image %s", loc.PDFPage, img.Name))
		return err
	}
	if err := api.ExtractImages(f, []string{strconv.Itoa(loc.PDFPage)}, digest, r.conf); err != nil {
		return nil, fmt.Errorf("extract page %d images: %w", loc.PDFPage, err)
	}
	if !found {
		return nil, fmt.Errorf("image %s not found on page %d", loc.Entry, loc.PDFPage)
	}
	return data, nil
}

func imageExt(filter ledpdf.Value) string {
	if filter.Kind() == ledpdf.Array && filter.Len() > 0 {
		filter = filter.Index(filter.Len() - 1)
	}
	switch filter.Name() {
	case "DCTDecode":
		return "jpg"
	case "JPXDecode":
		return "jp2"
	default:
		return "png"
	}
}
