package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-caption/internal/model"
)

// Format is a transcript export format, named by its file extension.
type Format string

const (
	FormatText Format = "txt"
	FormatSRT  Format = "srt"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))); f {
	case FormatText, FormatSRT, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

type exportedResult struct {
	Sequence   uint64  `json:"sequence"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Render formats results in order. Empty results render an empty document.
func Render(results []model.TranscriptResult, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatText:
		for _, r := range results {
			if text := strings.TrimSpace(r.Text); text != "" {
				buf.WriteString(text)
				buf.WriteByte('\n')
			}
		}
	case FormatSRT:
		n := 0
		for _, r := range results {
			text := strings.TrimSpace(r.Text)
			if text == "" {
				continue
			}
			n++
			fmt.Fprintf(&buf, "%d\n%s --> %s\n%s\n\n", n, srtTimestamp(r.Start), srtTimestamp(r.End), text)
		}
	case FormatJSON:
		out := make([]exportedResult, 0, len(results))
		for _, r := range results {
			out = append(out, exportedResult{
				Sequence:   r.Sequence,
				StartMS:    r.Start.Milliseconds(),
				EndMS:      r.End.Milliseconds(),
				Text:       r.Text,
				Confidence: r.Confidence,
			})
		}
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return nil, fmt.Errorf("encode transcript: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
	return buf.Bytes(), nil
}

func srtTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3_600_000, (ms/60_000)%60, (ms/1000)%60, ms%1000)
}
