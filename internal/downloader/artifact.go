package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Layouts accepted for Artifact.Date.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// Artifact identifies one downloadable archive.
type Artifact struct {
	ID string `json:"id"`
	// Date is the archive's publication timestamp; it versions the file name.
	Date string `json:"date"`
	// Checksum is "sha256:<hex>", "blake3:<hex>" or bare sha256 hex. Empty
	// skips verification.
	Checksum string `json:"checksum,omitempty"`
}

// FileName is "<id>-<unix millis>.zip".
func (a Artifact) FileName() (string, error) {
	const op = "downloader.FileName"

	if !validID.MatchString(a.ID) || strings.Contains(a.ID, "..") {
		return "", apperrors.New(apperrors.InvalidInput, op, "invalid artifact id")
	}
	ts, err := parseDate(a.Date)
	if err != nil {
		return "", apperrors.Wrap(apperrors.InvalidInput, op, err)
	}
	return a.ID + "-" + strconv.FormatInt(ts.UnixMilli(), 10) + ".zip", nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, apperrors.New(apperrors.InvalidInput, "downloader.parseDate", "empty date")
	}
	var lastErr error
	for _, layout := range dateLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

type checksum struct {
	algo string
	want string
}

func (c *checksum) newHash() hash.Hash {
	if c.algo == "blake3" {
		return blake3.New()
	}
	return sha256.New()
}

func (c *checksum) matches(h hash.Hash) bool {
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), c.want)
}

// parseChecksum returns nil for an empty string.
func parseChecksum(raw string) (*checksum, error) {
	const op = "downloader.parseChecksum"

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	algo, value, found := strings.Cut(raw, ":")
	if !found {
		algo, value = "sha256", raw
	}
	algo = strings.ToLower(algo)
	if algo != "sha256" && algo != "blake3" {
		return nil, apperrors.New(apperrors.InvalidInput, op, "unsupported checksum algorithm "+strconv.Quote(algo))
	}
	if len(value) != hex.EncodedLen(sha256.Size) {
		return nil, apperrors.New(apperrors.InvalidInput, op, "malformed checksum")
	}
	if _, err := hex.DecodeString(value); err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidInput, op, err)
	}
	return &checksum{algo: algo, want: value}, nil
}
