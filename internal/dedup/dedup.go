// Package dedup fingerprints imported documents and flags uploads that repeat
// earlier ones. Results are advisory; callers decide whether to import.
package dedup

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/manualrag/cli/internal/db"
	"github.com/manualrag/cli/internal/documents"
	"github.com/manualrag/cli/internal/logger"
)

// DuplicateType classifies a check result.
type DuplicateType string

const (
	TypeNone                 DuplicateType = "none"
	TypeExactFile            DuplicateType = "exact_file"
	TypeExactContent         DuplicateType = "exact_content"
	TypeSimilarContent       DuplicateType = "similar_content"
	TypeOverlappingProtocols DuplicateType = "overlapping_protocols"
)

var protocolRe = regexp.MustCompile(`(?i)\b(?:[A-Za-z]+\s+)?(?:protocol|procedure|correction|technique)\b`)

// Fingerprint identifies one imported document
type Fingerprint struct {
	FileHash      string    `json:"fileHash"`
	ContentHash   string    `json:"contentHash"`
	FileName      string    `json:"fileName"`
	UploadedAt    time.Time `json:"uploadedAt"`
	PointCount    int       `json:"pointCount"`
	ProtocolCount int       `json:"protocolCount"`
	Points        []string  `json:"points,omitempty"`
	Protocols     []string  `json:"protocols,omitempty"`
}

// Summary is what an extractor found in a document.
type Summary struct {
	Points    []string `json:"points"`
	Protocols []string `json:"protocols"`
}

// CheckResult is the outcome of CheckDuplicate. Fingerprint is the new
// document's fingerprint, ready for Store.
type CheckResult struct {
	IsDuplicate     bool          `json:"isDuplicate"`
	Type            DuplicateType `json:"type"`
	Similarity      float64       `json:"similarity"`
	Match           *Fingerprint  `json:"match,omitempty"`
	Recommendations []string      `json:"recommendations"`
	Fingerprint     Fingerprint   `json:"fingerprint"`
}

// Config holds thresholds and weights. Scores run from 0 to 100.
type Config struct {
	PrefixLength     int
	SimilarThreshold float64
	OverlapThreshold float64
	PointCountWeight float64
	ProtocolWeight   float64
	FileNameWeight   float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PrefixLength:     1000,
		SimilarThreshold: 80,
		OverlapThreshold: 50,
		PointCountWeight: 50,
		ProtocolWeight:   30,
		FileNameWeight:   20,
	}
}

// Manager computes, checks and records fingerprints
type Manager struct {
	kv  db.KV
	cfg Config
	now func() time.Time
}

// NewManager creates a manager over the fingerprints collection of kv.
func NewManager(kv db.KV, cfg Config) *Manager {
	if cfg.PrefixLength <= 0 {
		cfg.PrefixLength = DefaultConfig().PrefixLength
	}
	return &Manager{kv: kv, cfg: cfg, now: time.Now}
}

// RollingHash is the 32-bit h = h*31 + c hash over the runes of s, hex encoded.
// It is a heuristic identity, not a security property.
func RollingHash(s string) string {
	var h uint32
	for _, r := range s {
		h = h*31 + uint32(r)
	}
	return fmt.Sprintf("%08x", h)
}

// Extract finds point codes and protocol headings in text.
func Extract(text string) Summary {
	s := Summary{Points: documents.ExtractPointCodes(text)}
	seen := make(map[string]bool)
	for _, m := range protocolRe.FindAllString(text, -1) {
		p := strings.ToLower(strings.Join(strings.Fields(m), " "))
		if !seen[p] {
			seen[p] = true
			s.Protocols = append(s.Protocols, p)
		}
	}
	return s
}

// Fingerprint computes the fingerprint of a document. A nil summary is
// extracted from text.
func (m *Manager) Fingerprint(fileName, text string, summary *Summary) Fingerprint {
	if summary == nil {
		s := Extract(text)
		summary = &s
	}

	prefix := text
	if runes := []rune(text); len(runes) > m.cfg.PrefixLength {
		prefix = string(runes[:m.cfg.PrefixLength])
	}

	return Fingerprint{
		FileHash:      RollingHash(fileName + ":" + prefix),
		ContentHash:   RollingHash(text),
		FileName:      fileName,
		UploadedAt:    m.now().UTC(),
		PointCount:    len(summary.Points),
		ProtocolCount: len(summary.Protocols),
		Points:        summary.Points,
		Protocols:     summary.Protocols,
	}
}

// CheckDuplicate compares a document against every stored fingerprint.
// Checks run in order: same file, same content, similar content, overlap
// with the corpus.
func (m *Manager) CheckDuplicate(ctx context.Context, fileName, text string, summary *Summary) (CheckResult, error) {
	fp := m.Fingerprint(fileName, text, summary)

	stored, err := m.List(ctx)
	if err != nil {
		return CheckResult{}, err
	}

	result := m.classify(fp, stored)
	result.Fingerprint = fp
	result.Recommendations = recommendations(result, fp)
	logger.Debug("dedup %s: %s (%.0f)", fileName, result.Type, result.Similarity)
	return result, nil
}

func (m *Manager) classify(fp Fingerprint, stored []Fingerprint) CheckResult {
	for i := range stored {
		if stored[i].FileHash == fp.FileHash {
			return CheckResult{IsDuplicate: true, Type: TypeExactFile, Similarity: 100, Match: &stored[i]}
		}
	}
	for i := range stored {
		if stored[i].ContentHash == fp.ContentHash {
			return CheckResult{IsDuplicate: true, Type: TypeExactContent, Similarity: 100, Match: &stored[i]}
		}
	}

	best, bestIdx := 0.0, -1
	for i := range stored {
		if score := m.similarity(fp, stored[i]); score > best {
			best, bestIdx = score, i
		}
	}
	if bestIdx >= 0 && best > m.cfg.SimilarThreshold {
		return CheckResult{IsDuplicate: true, Type: TypeSimilarContent, Similarity: best, Match: &stored[bestIdx]}
	}

	if overlap := overlapPercent(fp, stored); overlap > m.cfg.OverlapThreshold {
		return CheckResult{IsDuplicate: true, Type: TypeOverlappingProtocols, Similarity: overlap}
	}

	return CheckResult{Type: TypeNone, Similarity: best}
}

// similarity adds the point-count weight when point counts match, the
// protocol weight when protocol counts match, and the file name weight
// scaled by the Jaccard overlap of file name tokens.
func (m *Manager) similarity(a, b Fingerprint) float64 {
	score := 0.0
	if a.PointCount == b.PointCount {
		score += m.cfg.PointCountWeight
	}
	if a.ProtocolCount == b.ProtocolCount {
		score += m.cfg.ProtocolWeight
	}
	score += m.cfg.FileNameWeight * jaccard(fileNameTokens(a.FileName), fileNameTokens(b.FileName))
	return score
}

func fileNameTokens(name string) map[string]bool {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	tokens := make(map[string]bool)
	for _, t := range strings.FieldsFunc(strings.ToLower(base), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[t] = true
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// overlapPercent is the share of the new document's points and protocols
// already present somewhere in the corpus.
func overlapPercent(fp Fingerprint, stored []Fingerprint) float64 {
	items := itemSet(fp)
	if len(items) == 0 {
		return 0
	}
	corpus := make(map[string]bool)
	for _, s := range stored {
		for item := range itemSet(s) {
			corpus[item] = true
		}
	}
	shared := 0
	for item := range items {
		if corpus[item] {
			shared++
		}
	}
	return float64(shared) / float64(len(items)) * 100
}

func itemSet(fp Fingerprint) map[string]bool {
	set := make(map[string]bool, len(fp.Points)+len(fp.Protocols))
	for _, p := range fp.Points {
		set["point:"+p] = true
	}
	for _, p := range fp.Protocols {
		set["protocol:"+p] = true
	}
	return set
}

func recommendations(r CheckResult, fp Fingerprint) []string {
	switch r.Type {
	case TypeExactFile:
		return []string{
			fmt.Sprintf("%s was already imported on %s.", r.Match.FileName, r.Match.UploadedAt.Format("2006-01-02")),
			"Skip this import unless the earlier copy was deleted.",
		}
	case TypeExactContent:
		return []string{
			fmt.Sprintf("The same text was imported as %s.", r.Match.FileName),
			"Skip this import; only the file name differs.",
		}
	case TypeSimilarContent:
		return []string{
			fmt.Sprintf("%s looks like %s (%.0f%% similar).", fp.FileName, r.Match.FileName, r.Similarity),
			"Compare both files before importing to avoid repeated search results.",
		}
	case TypeOverlappingProtocols:
		return []string{
			fmt.Sprintf("%.0f%% of the points and protocols in %s are already in the library.", r.Similarity, fp.FileName),
			"Import only if this manual adds material you need.",
		}
	default:
		return []string{"No duplicates found."}
	}
}

// Store appends a fingerprint to the history.
func (m *Manager) Store(ctx context.Context, fp Fingerprint) error {
	key := fmt.Sprintf("%020d-%s-%s", fp.UploadedAt.UnixNano(), fp.FileHash, fp.ContentHash)
	if err := db.SetJSON(ctx, m.kv, db.CollectionFingerprints, key, fp); err != nil {
		return fmt.Errorf("failed to store fingerprint: %w", err)
	}
	return nil
}

// List returns every stored fingerprint, oldest first.
func (m *Manager) List(ctx context.Context) ([]Fingerprint, error) {
	fps, err := db.ScanJSON[Fingerprint](ctx, m.kv, db.CollectionFingerprints)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	sort.SliceStable(fps, func(i, j int) bool {
		return fps[i].UploadedAt.Before(fps[j].UploadedAt)
	})
	return fps, nil
}
