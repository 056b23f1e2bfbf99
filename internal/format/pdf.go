package format

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/seekhub/doctrans/internal/document"
)

// Font sizes shrink at most to this ratio of the original before
// wrapped text is allowed to truncate.
const pdfMinFontRatio = 0.7

const pdfDefaultFontSize = 11.0

type pdfBlock struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	FontSize float64 `json:"font_size"`
}

type pdfPageLayout struct {
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
	Blocks []pdfBlock `json:"blocks"`
}

// pdfLayout records page geometry and block bounding boxes so translated
// text can be re-flowed into the original block positions.
type pdfLayout struct {
	Pages []pdfPageLayout `json:"pages"`
}

// PDFProcessor extracts text blocks from PDF content streams and rebuilds
// a PDF that re-flows translated text into the original block boxes.
// Extraction is library-level text extraction, never OCR; a page that has
// image content but yields no text fails the job with an OCR-required
// code instead of being skipped.
type PDFProcessor struct {
	conf *model.Configuration
}

func NewPDFProcessor() *PDFProcessor {
	return &PDFProcessor{conf: model.NewDefaultConfiguration()}
}

func (p *PDFProcessor) Format() document.Format {
	return document.FormatPDF
}

func (p *PDFProcessor) Parse(_ context.Context, data []byte) (*document.Structure, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), p.conf)
	if err != nil {
		return nil, newParseError(document.FormatPDF, CodeCorrupted, "read pdf", err)
	}

	dims, err := ctx.PageDims()
	if err != nil {
		return nil, newParseError(document.FormatPDF, CodeCorrupted, "read page dimensions", err)
	}

	layout := &pdfLayout{Pages: make([]pdfPageLayout, 0, ctx.PageCount)}
	var nodes []document.TextNode

	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		pageW, pageH := 595.0, 842.0
		if pageNr-1 < len(dims) {
			pageW, pageH = dims[pageNr-1].Width, dims[pageNr-1].Height
		}
		page := pdfPageLayout{Width: pageW, Height: pageH}

		blocks := extractPageBlocks(ctx, pageNr)
		if len(blocks) == 0 && pageHasImages(ctx, pageNr) {
			return nil, newParseError(document.FormatPDF, CodeOCRRequired,
				fmt.Sprintf("page %d has image content but no extractable text", pageNr), nil)
		}

		for blockNr, b := range blocks {
			nodes = append(nodes, document.TextNode{
				Ref:  document.NodeRef{Page: pageNr, Block: blockNr},
				Text: b.text,
				Attrs: map[string]string{
					"font_size": strconv.FormatFloat(b.fontSize, 'f', 1, 64),
				},
			})
			page.Blocks = append(page.Blocks, boundingBox(b, pageW, pageH))
		}
		layout.Pages = append(layout.Pages, page)
	}

	if len(nodes) == 0 {
		return nil, newParseError(document.FormatPDF, CodeOCRRequired,
			"document has no extractable text", nil)
	}

	st := &document.Structure{
		Nodes: nodes,
		Metadata: document.Metadata{
			Format:    document.FormatPDF,
			PageCount: ctx.PageCount,
		},
		Layout: layout,
	}
	st.Metadata.WordCount = st.WordCount()
	return st, nil
}

func (p *PDFProcessor) Reconstruct(_ context.Context, st *document.Structure, segs []document.Segment, translated []document.TranslatedSegment, opts ReconstructOptions) ([]byte, error) {
	layout, ok := st.Layout.(*pdfLayout)
	if !ok {
		return nil, newParseError(document.FormatPDF, CodeCorrupted, "structure carries no pdf layout", nil)
	}

	texts, err := nodeTranslations(st, segs, translated, opts)
	if err != nil {
		return nil, err
	}

	desc := createDescription{Pages: map[string]*createPage{}}
	for pageIdx, page := range layout.Pages {
		cp := &createPage{
			PaperSize: paperSize(page.Width, page.Height),
			Content:   &createContent{},
		}
		desc.Pages[strconv.Itoa(pageIdx+1)] = cp
	}

	for i, node := range st.Nodes {
		pageIdx := node.Ref.Page - 1
		if pageIdx < 0 || pageIdx >= len(layout.Pages) {
			return nil, fmt.Errorf("node %d references page %d out of range", i, node.Ref.Page)
		}
		page := layout.Pages[pageIdx]
		if node.Ref.Block < 0 || node.Ref.Block >= len(page.Blocks) {
			return nil, fmt.Errorf("node %d references block %d out of range on page %d", i, node.Ref.Block, node.Ref.Page)
		}
		box := page.Blocks[node.Ref.Block]

		size, wrapped := fitText(texts[i], box)
		cp := desc.Pages[strconv.Itoa(node.Ref.Page)]
		cp.Content.Text = append(cp.Content.Text, createTextBox{
			Value:     wrapped,
			Position:  [2]float64{box.X, box.Y},
			Width:     box.Width,
			Alignment: "left",
			Font:      createFont{Name: "Helvetica", Size: int(math.Round(size))},
		})
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := api.Create(nil, bytes.NewReader(raw), &out, p.conf); err != nil {
		return nil, fmt.Errorf("create output pdf: %w", err)
	}
	return out.Bytes(), nil
}

// create-JSON shape consumed by pdfcpu's Create API.
type createDescription struct {
	Pages map[string]*createPage `json:"pages"`
}

type createPage struct {
	PaperSize string         `json:"paperSize,omitempty"`
	Content   *createContent `json:"content"`
}

type createContent struct {
	Text []createTextBox `json:"text,omitempty"`
}

type createTextBox struct {
	Value     string     `json:"value"`
	Position  [2]float64 `json:"position"`
	Width     float64    `json:"width,omitempty"`
	Alignment string     `json:"alignment,omitempty"`
	Font      createFont `json:"font"`
}

type createFont struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

func paperSize(w, h float64) string {
	if math.Abs(w-612) < 10 && math.Abs(h-792) < 10 {
		return "Letter"
	}
	if math.Abs(w-612) < 10 && math.Abs(h-1008) < 10 {
		return "Legal"
	}
	return "A4"
}

// fitText shrinks the font within the allowed ratio until the wrapped
// text fits the block box, then wraps at word boundaries. Truncation only
// happens once the minimum size still overflows.
func fitText(text string, box pdfBlock) (float64, string) {
	size := box.FontSize
	if size <= 0 {
		size = pdfDefaultFontSize
	}
	minSize := size * pdfMinFontRatio

	runes := []rune(text)
	for size > minSize {
		if linesNeeded(len(runes), size, box.Width)*lineHeight(size) <= box.Height {
			break
		}
		size -= 0.5
	}
	if size < minSize {
		size = minSize
	}

	perLine := charsPerLine(size, box.Width)
	maxLines := int(box.Height / lineHeight(size))
	if maxLines < 1 {
		maxLines = 1
	}
	return size, wrapText(text, perLine, maxLines)
}

func lineHeight(size float64) float64 {
	return size * 1.25
}

// Average glyph width estimate for proportional latin text.
func charsPerLine(size, width float64) int {
	per := int(width / (size * 0.5))
	if per < 8 {
		per = 8
	}
	return per
}

func linesNeeded(runeCount int, size, width float64) float64 {
	return math.Ceil(float64(runeCount) / float64(charsPerLine(size, width)))
}

func wrapText(text string, perLine, maxLines int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}

	var lines []string
	var current strings.Builder
	for _, word := range words {
		if current.Len() > 0 && current.Len()+1+len([]rune(word)) > perLine {
			lines = append(lines, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}

	if len(lines) > maxLines {
		lines = lines[:maxLines]
		last := lines[maxLines-1]
		if len(last) > 1 {
			lines[maxLines-1] = last[:len(last)-1] + "…"
		}
	}
	return strings.Join(lines, "\n")
}

// boundingBox estimates a block box from the block origin and the page
// size. Content streams don't carry explicit block rectangles, so width
// extends to the right margin and height covers the shown lines.
func boundingBox(b contentBlock, pageW, pageH float64) pdfBlock {
	x, y := b.x, b.y
	if x <= 0 || x >= pageW {
		x = 72
	}
	if y <= 0 || y >= pageH {
		y = pageH - 72
	}
	width := pageW - x - 54
	if width < 100 {
		width = 100
	}
	size := b.fontSize
	if size <= 0 {
		size = pdfDefaultFontSize
	}
	lines := linesNeeded(len([]rune(b.text)), size, width)
	height := lines * lineHeight(size)
	if height > y {
		height = y
	}
	return pdfBlock{X: x, Y: y, Width: width, Height: height, FontSize: size}
}

type contentBlock struct {
	text     string
	x, y     float64
	fontSize float64
}

func pageHasImages(ctx *model.Context, pageNr int) bool {
	return len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0
}

// extractPageBlocks pulls the page content stream and groups shown text
// into blocks, one per BT..ET text object.
func extractPageBlocks(ctx *model.Context, pageNr int) []contentBlock {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return nil
	}
	return parseContentStream(data)
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)

// parseContentStream walks content stream operators. Text objects open
// with BT and close with ET; Tm/Td track the text position, Tf the font
// size, and Tj/TJ/' show strings.
func parseContentStream(data []byte) []contentBlock {
	var blocks []contentBlock

	var (
		inText   bool
		sb       strings.Builder
		curX     float64
		curY     float64
		fontSize = pdfDefaultFontSize
		blockX   float64
		blockY   float64
		anchored bool
	)

	flush := func() {
		text := cleanBlockText(sb.String())
		if text != "" {
			blocks = append(blocks, contentBlock{text: text, x: blockX, y: blockY, fontSize: fontSize})
		}
		sb.Reset()
		anchored = false
	}

	appendShown := func(line []byte) {
		for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
			text := decodePDFString(m[1])
			if text == "" {
				continue
			}
			if !anchored {
				blockX, blockY = curX, curY
				anchored = true
			}
			sb.WriteString(text)
		}
	}

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.Equal(line, []byte("BT")):
			inText = true
			curX, curY = 0, 0

		case bytes.Equal(line, []byte("ET")):
			if inText {
				flush()
			}
			inText = false

		case !inText:
			// Graphics operators outside text objects.

		case bytes.HasSuffix(line, []byte("Tf")):
			if f := floatOperands(line); len(f) >= 1 {
				fontSize = f[len(f)-1]
			}

		case bytes.HasSuffix(line, []byte("Tm")):
			if f := floatOperands(line); len(f) >= 6 {
				curX, curY = f[4], f[5]
			}
			if anchored {
				sb.WriteByte(' ')
			}

		case bytes.HasSuffix(line, []byte("Td")) || bytes.HasSuffix(line, []byte("TD")):
			if f := floatOperands(line); len(f) >= 2 {
				curX += f[0]
				curY += f[1]
			}
			if anchored {
				sb.WriteByte(' ')
			}

		case bytes.Equal(line, []byte("T*")):
			if anchored {
				sb.WriteByte('\n')
			}

		case bytes.HasSuffix(line, []byte("Tj")) || bytes.HasSuffix(line, []byte("TJ")):
			appendShown(line)

		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			if anchored {
				sb.WriteByte('\n')
			}
			appendShown(line)
		}
	}
	if inText {
		flush()
	}
	return blocks
}

// floatOperands parses the leading numeric operands of an operator line.
func floatOperands(line []byte) []float64 {
	fields := bytes.Fields(line)
	var out []float64
	for _, f := range fields {
		v, err := strconv.ParseFloat(string(f), 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// decodePDFString handles the basic PDF string escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				// Octal escape, e.g. \040 for space.
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
						i++
						val = val*8 + int(raw[i]-'0')
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// cleanBlockText collapses runs of spaces but keeps line structure.
func cleanBlockText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
