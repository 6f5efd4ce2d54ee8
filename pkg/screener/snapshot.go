package screener

import (
	"context"
	"os"
	"sort"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	jsoniter "github.com/json-iterator/go"
)

// SnapshotReader is anything that can produce the last published rows.
type SnapshotReader interface {
	ReadRows(ctx context.Context) []models.ScreenerRow
}

// FileSnapshot reads rows back from a FileSink's path.
type FileSnapshot struct {
	Path string
}

func (f FileSnapshot) ReadRows(context.Context) []models.ScreenerRow {
	return ReadSnapshotFile(f.Path)
}

// ReadSnapshotFile returns the rows in path. A missing, unreadable or corrupt
// file yields no rows.
func ReadSnapshotFile(path string) []models.ScreenerRow {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return decodeRows(raw)
}

// decodeRows keeps every array element that decodes to a row with a symbol.
func decodeRows(raw []byte) []models.ScreenerRow {
	var items []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]models.ScreenerRow, 0, len(items))
	for _, item := range items {
		var row models.ScreenerRow
		if err := json.Unmarshal(item, &row); err != nil || row.Symbol == "" {
			continue
		}
		out = append(out, row)
	}
	return out
}

// MergeRows unions snapshot and local by symbol. Local rows win.
func MergeRows(snapshot, local []models.ScreenerRow) []models.ScreenerRow {
	bySymbol := make(map[string]models.ScreenerRow, len(snapshot)+len(local))
	for _, r := range snapshot {
		bySymbol[r.Symbol] = r
	}
	for _, r := range local {
		bySymbol[r.Symbol] = r
	}
	out := make([]models.ScreenerRow, 0, len(bySymbol))
	for _, r := range bySymbol {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
