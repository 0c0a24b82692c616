package ingest

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/single_threaded"
)

var pdfiumPool = single_threaded.Init(single_threaded.Config{})

// extractPDF extracts per-page text and, when imageModalityAllowed, renders
// each page to a PNG at the pipeline's configured DPI so it can also be
// emitted as an image chunk. Pages beyond the pipeline's MaxPDFPages are not
// rendered or text-extracted; the container policy's MaxPDFPages is not
// consulted.
func (p *Pipeline) extractPDF(src Source, imageModalityAllowed bool) (extracted, error) {
	if len(src.Bytes) == 0 {
		return extracted{}, fmt.Errorf("pdf source requires inline bytes")
	}

	instance, err := pdfiumPool.GetInstance(30 * time.Second)
	if err != nil {
		return extracted{}, fmt.Errorf("acquire pdfium instance: %w", err)
	}
	defer instance.Close()

	data := src.Bytes
	doc, err := instance.OpenDocument(&requests.OpenDocument{File: &data})
	if err != nil {
		return extracted{}, fmt.Errorf("open pdf: %w", err)
	}
	defer instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})

	pageCount, err := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{Document: doc.Document})
	if err != nil {
		return extracted{}, fmt.Errorf("page count: %w", err)
	}

	maxPages := p.MaxPDFPages
	if maxPages <= 0 {
		maxPages = 500
	}
	dpi := p.PDFRenderDPI
	if dpi <= 0 {
		dpi = 150
	}

	total := pageCount.PageCount
	if total > maxPages {
		total = maxPages
	}

	var textBuilder strings.Builder
	var images []extractedImage
	for i := 0; i < total; i++ {
		page := requests.Page{ByIndex: &requests.PageByIndex{Document: doc.Document, Index: i}}

		text, err := instance.GetPageText(&requests.GetPageText{Page: page})
		if err == nil && strings.TrimSpace(text.Text) != "" {
			textBuilder.WriteString(fmt.Sprintf("# Page %d\n\n", i+1))
			textBuilder.WriteString(strings.TrimSpace(text.Text))
			textBuilder.WriteString("\n\n")
		}

		if !imageModalityAllowed {
			continue
		}
		render, err := instance.RenderPageInDPI(&requests.RenderPageInDPI{Page: page, DPI: dpi})
		if err != nil || render.Result.Image == nil {
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, render.Result.Image); err != nil {
			continue
		}
		images = append(images, extractedImage{page: i + 1, bytes: buf.Bytes()})
	}

	return extracted{
		rawBytes: src.Bytes,
		mime:     "application/pdf",
		text:     strings.TrimSpace(textBuilder.String()),
		images:   images,
	}, nil
}
