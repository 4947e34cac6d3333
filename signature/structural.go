package signature

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Structural inspectors look at document or container structure rather than
// raw byte patterns. A rule of kind "structural" names one of these.
type inspectorFunc func(t *Target) (bool, error)

var inspectors = map[string]inspectorFunc{
	"pdf-active-content": inspectPDFActiveContent,
	"pdf-malformed":      inspectPDFMalformed,
	"exec-masquerade":    inspectExecMasquerade,
}

func runInspector(name string, t *Target) (bool, error) {
	fn, ok := inspectors[name]
	if !ok {
		return false, fmt.Errorf("unknown inspector %q", name)
	}
	return fn(t)
}

var pdfMagic = []byte("%PDF-")

// activeContentTokens mark PDFs that execute something on open. Their
// presence alone is not proof of malice, which is why such rules ship with
// sub-malicious confidence.
var activeContentTokens = [][]byte{
	[]byte("/JavaScript"),
	[]byte("/OpenAction"),
	[]byte("/Launch"),
	[]byte("/EmbeddedFile"),
}

func inspectPDFActiveContent(t *Target) (bool, error) {
	if !bytes.HasPrefix(t.Window, pdfMagic) {
		return false, nil
	}
	if _, err := pdfInfo(t.Path); err != nil {
		// Malformed PDFs are the malformed inspector's concern.
		return false, nil
	}
	for _, token := range activeContentTokens {
		if bytes.Contains(t.Window, token) {
			return true, nil
		}
	}
	return false, nil
}

func inspectPDFMalformed(t *Target) (bool, error) {
	if !bytes.HasPrefix(t.Window, pdfMagic) {
		return false, nil
	}
	if _, err := pdfInfo(t.Path); err != nil {
		return true, nil
	}
	return false, nil
}

func pdfInfo(path string) (interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return api.PDFInfo(f, path, nil, false, nil)
}

// docExtensions are extensions under which an executable payload has no
// business appearing.
var docExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".txt": {}, ".csv": {}, ".rtf": {}, ".odt": {},
}

func inspectExecMasquerade(t *Target) (bool, error) {
	ext := strings.ToLower(filepath.Ext(t.Path))
	if _, doc := docExtensions[ext]; !doc {
		return false, nil
	}
	kind, err := filetype.Match(t.Window)
	if err != nil {
		return false, err
	}
	switch kind {
	case matchers.TypeElf, matchers.TypeExe:
		return true, nil
	}
	return false, nil
}
