package source

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odmlab/micradar/pkg/listing"
)

// JSONLines reads a crawler export file: one JSON object per line, or a
// single JSON array as written by feed exporters.
type JSONLines struct {
	shop string
	path string
}

// NewJSONLines creates a file source. A path of "-" reads stdin.
func NewJSONLines(shop, path string) *JSONLines {
	return &JSONLines{shop: shop, path: path}
}

func (j *JSONLines) Name() Kind { return KindJSONLines }

func (j *JSONLines) Collect(ctx context.Context) (*Export, error) {
	if j.path == "-" {
		return ReadJSONLines(ctx, j.shop, os.Stdin)
	}
	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("open export %s: %w", j.path, err)
	}
	defer f.Close()

	h := sha256.New()
	exp, err := ReadJSONLines(ctx, j.shop, io.TeeReader(f, h))
	if err != nil {
		return nil, fmt.Errorf("read export %s: %w", j.path, err)
	}
	// Hash whatever the decoder left unread too.
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("read export %s: %w", j.path, err)
	}
	exp.Fingerprint = hex.EncodeToString(h.Sum(nil))
	return exp, nil
}

// ReadJSONLines decodes records from r. A leading record of type "run"
// carries the run key and crawler provenance. Lines that are not valid JSON
// objects are counted in Malformed and skipped.
func ReadJSONLines(ctx context.Context, shop string, r io.Reader) (*Export, error) {
	br := bufio.NewReader(r)
	exp := &Export{Shop: shop}

	head, err := br.Peek(1)
	for err == nil && (head[0] == ' ' || head[0] == '\n' || head[0] == '\r' || head[0] == '\t') {
		_, _ = br.ReadByte()
		head, err = br.Peek(1)
	}
	if err == io.EOF {
		return exp, nil
	}
	if err != nil {
		return nil, err
	}

	if head[0] == '[' {
		var raw []json.RawMessage
		if err := json.NewDecoder(br).Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		for _, msg := range raw {
			exp.add(msg)
		}
		return exp, nil
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		exp.add(line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan lines: %w", err)
	}
	return exp, nil
}

func (e *Export) add(data []byte) {
	var rec listing.RawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		e.Malformed++
		return
	}
	if rec.Shop == "" {
		rec.Shop = e.Shop
	}
	if e.Shop == "" {
		e.Shop = rec.Shop
	}
	if rec.Kind == listing.KindRun {
		e.header(rec.Fields)
		return
	}
	e.Records = append(e.Records, rec)
}

func (e *Export) header(f map[string]any) {
	text := func(k string) string { return strings.TrimSpace(listing.CleanText(f[k])) }
	e.Meta.RunKey = text("run_key")
	e.Meta.CrawlerVersion = text("crawler_version")
	e.Meta.GitCommitHash = text("git_commit_hash")
	e.Meta.Notes = text("notes")
	if t, ok := listing.ParseTime(f["started_at"]); ok {
		e.CapturedAt = t
	}
}
