package scan

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"shieldscan/enumerate"
)

// DefaultMaxFileSize is the policy ceiling for a standard scan profile.
// Callers may raise it for a deep scan; it is policy, not an architectural
// limit.
const DefaultMaxFileSize = 100 << 20

// Policy bounds which files enter the expensive stages.
type Policy struct {
	MaxFileSize       int64
	ExcludeExtensions []string
	ExcludeMIMETypes  []string
}

// Validator gates enumerated files by size and type before hashing or
// extraction happens. Rejections are policy skips, not errors.
type Validator struct {
	maxSize int64
	exts    map[string]struct{}
	mimes   map[string]struct{}
}

func NewValidator(p Policy) *Validator {
	v := &Validator{
		maxSize: p.MaxFileSize,
		exts:    make(map[string]struct{}, len(p.ExcludeExtensions)),
		mimes:   make(map[string]struct{}, len(p.ExcludeMIMETypes)),
	}
	if v.maxSize <= 0 {
		v.maxSize = DefaultMaxFileSize
	}
	for _, ext := range p.ExcludeExtensions {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		if ext != "" {
			v.exts["."+ext] = struct{}{}
		}
	}
	for _, m := range p.ExcludeMIMETypes {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			v.mimes[m] = struct{}{}
		}
	}
	return v
}

// Accept checks size and extension policy. It does no I/O.
func (v *Validator) Accept(rec enumerate.FileRecord) error {
	if rec.Size > v.maxSize {
		return fmt.Errorf("%w: size %d exceeds ceiling %d", ErrPolicyRejected, rec.Size, v.maxSize)
	}
	ext := strings.ToLower(filepath.Ext(rec.Path))
	if _, excluded := v.exts[ext]; excluded {
		return fmt.Errorf("%w: extension %s excluded", ErrPolicyRejected, ext)
	}
	return nil
}

// AcceptType checks the sniffed MIME type against the exclusion list.
// The window is the head of the file already read for signature matching.
func (v *Validator) AcceptType(window []byte) (string, error) {
	if len(v.mimes) == 0 {
		return "", nil
	}
	kind, err := filetype.Match(window)
	if err != nil || kind == filetype.Unknown {
		return "", nil
	}
	mime := strings.ToLower(kind.MIME.Value)
	if _, excluded := v.mimes[mime]; excluded {
		return mime, fmt.Errorf("%w: type %s excluded", ErrPolicyRejected, mime)
	}
	return mime, nil
}
