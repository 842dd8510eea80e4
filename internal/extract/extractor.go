// Package extract turns stored document files into plain text.
package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Extractor is the text extraction collaborator used by the runners.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

type Config struct {
	PDFToTextBin string
	TesseractBin string
	OCRLanguage  string
}

type FileExtractor struct {
	cfg    Config
	runner Runner
	logger *zap.SugaredLogger
}

func NewFileExtractor(cfg Config, logger *zap.SugaredLogger) *FileExtractor {
	return NewFileExtractorWithRunner(cfg, execRunner{logger: logger}, logger)
}

func NewFileExtractorWithRunner(cfg Config, runner Runner, logger *zap.SugaredLogger) *FileExtractor {
	if cfg.PDFToTextBin == "" {
		cfg.PDFToTextBin = "pdftotext"
	}
	if cfg.TesseractBin == "" {
		cfg.TesseractBin = "tesseract"
	}
	if cfg.OCRLanguage == "" {
		cfg.OCRLanguage = "eng"
	}
	return &FileExtractor{cfg: cfg, runner: runner, logger: logger}
}

// SupportedExtensions lists the file extensions Extract understands.
func SupportedExtensions() []string {
	return []string{".txt", ".md", ".csv", ".pdf", ".docx", ".xlsx", ".jpg", ".jpeg", ".png", ".tiff", ".bmp"}
}

func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range SupportedExtensions() {
		if ext == candidate {
			return true
		}
	}
	return false
}

func (e *FileExtractor) Extract(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	var text string
	switch ext {
	case ".txt", ".md", ".csv":
		text, err = readPlainText(path)
	case ".pdf":
		text, err = e.runTool(ctx, e.cfg.PDFToTextBin, "-layout", "-enc", "UTF-8", path, "-")
	case ".docx":
		text, err = readDocx(path)
	case ".xlsx":
		text, err = readXLSX(path)
	case ".jpg", ".jpeg", ".png", ".tiff", ".bmp":
		text, err = e.runTool(ctx, e.cfg.TesseractBin, path, "stdout", "-l", e.cfg.OCRLanguage)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}

	text = strings.TrimSpace(text)
	e.logger.Debugw("text extracted", "path", path, "format", ext, "chars", len(text))
	return text, nil
}

func (e *FileExtractor) runTool(ctx context.Context, name string, args ...string) (string, error) {
	stdout, stderr, err := e.runner.Run(ctx, name, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(truncate(string(stderr), 512)))
	}
	return string(stdout), nil
}

// readPlainText decodes UTF-8 and falls back to Latin-1 for legacy files.
func readPlainText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode latin-1: %w", err)
	}
	return string(decoded), nil
}

func readDocx(path string) (string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer archive.Close()

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}
		reader, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer reader.Close()
		return docxText(reader)
	}
	return "", errors.New("docx has no word/document.xml")
}

// docxText collects <w:t> runs, breaking lines at paragraph ends.
func docxText(reader io.Reader) (string, error) {
	decoder := xml.NewDecoder(reader)
	var (
		builder strings.Builder
		inText  bool
	)
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch element := token.(type) {
		case xml.StartElement:
			switch element.Name.Local {
			case "t":
				inText = true
			case "tab":
				builder.WriteString("\t")
			case "br":
				builder.WriteString("\n")
			}
		case xml.EndElement:
			switch element.Name.Local {
			case "t":
				inText = false
			case "p":
				builder.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				builder.Write(element)
			}
		}
	}
	return builder.String(), nil
}

func readXLSX(path string) (string, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer file.Close()

	var builder strings.Builder
	for _, sheet := range file.GetSheetList() {
		rows, err := file.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		builder.WriteString("# ")
		builder.WriteString(sheet)
		builder.WriteString("\n")
		for _, row := range rows {
			builder.WriteString(strings.Join(row, "\t"))
			builder.WriteString("\n")
		}
	}
	return builder.String(), nil
}
