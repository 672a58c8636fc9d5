package fetcher

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/identity"
	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/platform"
)

// Loader resolves a seed URI to records: scheme picks the fetcher,
// extension picks the parser.
type Loader struct {
	local Fetcher
	http  Fetcher
	ftp   Fetcher
}

// NewLoader builds a loader over the standard fetchers.
func NewLoader(httpFetcher, ftpFetcher Fetcher) *Loader {
	return &Loader{local: LocalFetcher{}, http: httpFetcher, ftp: ftpFetcher}
}

// Load fetches and parses a seed list. Rows that cannot be mapped to a
// record are skipped with a log line, not fatal; a seed file with zero
// usable rows is an error.
func (l *Loader) Load(ctx context.Context, uri string) ([]model.DiscoveredRecord, error) {
	fetcher, err := l.fetcherFor(uri)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(strings.SplitN(uri, "?", 2)[0]))
	if ext == ".xlsx" {
		// The xlsx reader needs random access; spool remote files to disk.
		path, cleanup, err := l.materialize(ctx, fetcher, uri)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		return ParseXLSXRecords(path)
	}

	body, err := fetcher.Download(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	switch ext {
	case ".csv":
		return ParseCSVRecords(ctx, body)
	case ".json":
		return ParseJSONRecords(ctx, body)
	default:
		return nil, eris.Errorf("fetcher: unsupported seed format %q", ext)
	}
}

func (l *Loader) fetcherFor(uri string) (Fetcher, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse uri %s", uri)
	}
	switch u.Scheme {
	case "http", "https":
		if l.http == nil {
			return nil, eris.New("fetcher: no http fetcher configured")
		}
		return l.http, nil
	case "ftp":
		if l.ftp == nil {
			return nil, eris.New("fetcher: no ftp fetcher configured")
		}
		return l.ftp, nil
	case "", "file":
		return l.local, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

func (l *Loader) materialize(ctx context.Context, fetcher Fetcher, uri string) (string, func(), error) {
	u, _ := url.Parse(uri)
	if u != nil && (u.Scheme == "" || u.Scheme == "file") {
		return strings.TrimPrefix(uri, "file://"), func() {}, nil
	}

	body, err := fetcher.Download(ctx, uri)
	if err != nil {
		return "", nil, err
	}
	defer body.Close() //nolint:errcheck

	tmp, err := os.CreateTemp("", "seed-*.xlsx")
	if err != nil {
		return "", nil, eris.Wrap(err, "fetcher: create temp file")
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return "", nil, eris.Wrapf(err, "fetcher: spool %s", uri)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return "", nil, eris.Wrap(err, "fetcher: close temp file")
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil //nolint:errcheck
}

// seedColumns maps normalized header names onto record fields.
var seedColumns = map[string]string{
	"platform":     "platform",
	"source":       "platform",
	"source_id":    "source_id",
	"id":           "source_id",
	"handle":       "source_id",
	"name":         "name",
	"display_name": "name",
	"creator":      "name",
	"url":          "url",
	"link":         "url",
	"email":        "email",
	"links":        "links",
	"tags":         "tags",
	"niche_tags":   "tags",
	"niche":        "tags",
}

// ParseCSVRecords reads a header-mapped CSV seed list.
func ParseCSVRecords(ctx context.Context, r io.Reader) ([]model.DiscoveredRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read csv header")
	}
	fields := mapHeader(header)

	var records []model.DiscoveredRecord
	skipped := 0
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetcher: csv read cancelled")
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: read csv row")
		}
		rec, ok := rowToRecord(fields, row)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return finishParse(records, skipped)
}

// ParseXLSXRecords reads the first sheet of a header-mapped workbook.
func ParseXLSXRecords(path string) ([]model.DiscoveredRecord, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open workbook %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("fetcher: workbook %s has no sheets", path)
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("fetcher: workbook %s sheet is empty", path)
	}

	fields := mapHeader(rowToStrings(sheet.Rows[0]))

	var records []model.DiscoveredRecord
	skipped := 0
	for _, row := range sheet.Rows[1:] {
		rec, ok := rowToRecord(fields, rowToStrings(row))
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return finishParse(records, skipped)
}

// ParseJSONRecords streams a JSON array of records.
func ParseJSONRecords(ctx context.Context, r io.Reader) ([]model.DiscoveredRecord, error) {
	decoder := json.NewDecoder(r)

	tok, err := decoder.Token()
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read json opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Errorf("fetcher: expected json array, got %v", tok)
	}

	var records []model.DiscoveredRecord
	skipped := 0
	for decoder.More() {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetcher: json read cancelled")
		}
		var rec model.DiscoveredRecord
		if err := decoder.Decode(&rec); err != nil {
			return nil, eris.Wrap(err, "fetcher: decode json record")
		}
		if !usable(rec) {
			skipped++
			continue
		}
		resolved, ok := resolveIdentity(rec)
		if !ok {
			skipped++
			continue
		}
		records = append(records, resolved)
	}
	return finishParse(records, skipped)
}

func finishParse(records []model.DiscoveredRecord, skipped int) ([]model.DiscoveredRecord, error) {
	if skipped > 0 {
		zap.L().Warn("seed rows skipped", zap.Int("skipped", skipped), zap.Int("kept", len(records)))
	}
	if len(records) == 0 {
		return nil, eris.New("fetcher: seed list has no usable rows")
	}
	return records, nil
}

func mapHeader(header []string) map[int]string {
	fields := make(map[int]string, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(h, " ", "_")))
		if field, ok := seedColumns[key]; ok {
			fields[i] = field
		}
	}
	return fields
}

func rowToRecord(fields map[int]string, row []string) (model.DiscoveredRecord, bool) {
	var rec model.DiscoveredRecord
	for i, cell := range row {
		field, ok := fields[i]
		if !ok {
			continue
		}
		val := strings.TrimSpace(cell)
		if val == "" {
			continue
		}
		switch field {
		case "platform":
			rec.Platform = model.Platform(strings.ToLower(val))
		case "source_id":
			rec.SourceID = val
		case "name":
			rec.DisplayName = val
		case "url":
			rec.URL = val
		case "email":
			rec.Email = val
		case "links":
			rec.Links = splitList(val)
		case "tags":
			rec.NicheTags = splitList(val)
		}
	}
	if !usable(rec) {
		return model.DiscoveredRecord{}, false
	}
	return resolveIdentity(rec)
}

// usable requires enough identity to fingerprint: a platform+source-id
// pair, or a URL the platform classifier can resolve.
func usable(rec model.DiscoveredRecord) bool {
	if rec.Platform != "" && rec.SourceID != "" {
		return true
	}
	return rec.URL != ""
}

// resolveIdentity fills in Platform and SourceID for rows that only carry
// a URL. Known platform URLs classify to their native source pair; anything
// else becomes a website source keyed by the canonical URL, so two
// unrelated URL-only rows can never share an identity.
func resolveIdentity(rec model.DiscoveredRecord) (model.DiscoveredRecord, bool) {
	if rec.Platform != "" && rec.SourceID != "" {
		return rec, true
	}
	if ref, ok := platform.ClassifyLink(rec.URL); ok {
		rec.Platform = ref.Platform
		rec.SourceID = ref.SourceID
		return rec, true
	}
	link, ok := identity.NormalizeLink(rec.URL)
	if !ok {
		return model.DiscoveredRecord{}, false
	}
	rec.Platform = model.PlatformWebsite
	rec.SourceID = link
	return rec, true
}

func splitList(val string) []string {
	sep := "|"
	if !strings.Contains(val, "|") && strings.Contains(val, ";") {
		sep = ";"
	}
	parts := strings.Split(val, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}
