package patcher

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"os"
	"regexp"
	"time"
)

var (
	unpatchedRe = regexp.MustCompile(`window\.cdc_adoQpoasnfa76pfcZLmcfl_(Array|Promise|Symbol|Object|Proxy|JSON)`)
	assignRe    = regexp.MustCompile(`window\.cdc_[a-zA-Z0-9]{22}_(Array|Promise|Symbol|Object|Proxy|JSON) = window\.(Array|Promise|Symbol|Object|Proxy|JSON);`)
	orRe        = regexp.MustCompile(`window\.cdc_[a-zA-Z0-9]{22}_(Array|Promise|Symbol|Object|Proxy|JSON) \|\|`)
	keyRe       = regexp.MustCompile(`'\$cdc_[a-zA-Z0-9]{22}_';`)
	betaBlockRe = regexp.MustCompile(`\{window\.cdc.*?;\}`)

	betaMarker      = []byte("undetected chromedriver")
	betaReplacement = []byte(`{console.log("undetected chromedriver 1337!")}`)
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// IsBinaryPatched reports whether the executable is free of the stock cdc markers.
func (p *Patcher) IsBinaryPatched() (bool, error) {
	if p.ExecutablePath == "" {
		return false, fmt.Errorf("executable path is not set")
	}
	data, err := os.ReadFile(p.ExecutablePath)
	if err != nil {
		return false, fmt.Errorf("failed to read driver: %w", err)
	}
	return IsPatched(data), nil
}

// IsBinaryPatchedBeta reports whether the beta patch marker is present.
func (p *Patcher) IsBinaryPatchedBeta() (bool, error) {
	data, err := os.ReadFile(p.ExecutablePath)
	if err != nil {
		return false, fmt.Errorf("failed to read driver: %w", err)
	}
	return bytes.Contains(data, betaMarker), nil
}

// PatchExe rewrites the executable in place.
func (p *Patcher) PatchExe() error {
	start := time.Now()
	if err := p.rewrite(PatchBytes); err != nil {
		return err
	}
	p.logger.Debug("Patched driver", "path", p.ExecutablePath, "took", time.Since(start))
	return nil
}

// PatchExeBeta applies the alternate single-block patch.
func (p *Patcher) PatchExeBeta() error {
	return p.rewrite(PatchBytesBeta)
}

func (p *Patcher) rewrite(patch func([]byte) []byte) error {
	f, err := os.OpenFile(p.ExecutablePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open driver: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat driver: %w", err)
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return fmt.Errorf("failed to read driver: %w", err)
	}

	patched := patch(data)
	if len(patched) != len(data) {
		return fmt.Errorf("patch changed binary length from %d to %d", len(data), len(patched))
	}
	if bytes.Equal(patched, data) {
		return nil
	}
	if _, err := f.WriteAt(patched, 0); err != nil {
		return fmt.Errorf("failed to write driver: %w", err)
	}
	return nil
}

// IsPatched reports whether data is free of the stock cdc markers.
func IsPatched(data []byte) bool {
	return !unpatchedRe.Match(data)
}

// PatchBytes returns data with every cdc marker neutralized. The result has
// the same length as the input.
func PatchBytes(data []byte) []byte {
	out := assignRe.ReplaceAllFunc(data, newlines)
	out = orRe.ReplaceAllFunc(out, newlines)
	out = keyRe.ReplaceAllFunc(out, func(m []byte) []byte {
		return randomKey(len(m))
	})
	return out
}

// PatchBytesBeta replaces the first cdc block with a console.log of equal
// length. Blocks shorter than the replacement are left alone.
func PatchBytesBeta(data []byte) []byte {
	loc := betaBlockRe.FindIndex(data)
	if loc == nil {
		return data
	}
	size := loc[1] - loc[0]
	if len(betaReplacement) > size {
		return data
	}
	out := bytes.Clone(data)
	repl := append(bytes.Clone(betaReplacement), bytes.Repeat([]byte(" "), size-len(betaReplacement))...)
	copy(out[loc[0]:loc[1]], repl)
	return out
}

func newlines(m []byte) []byte {
	return bytes.Repeat([]byte("\n"), len(m))
}

// randomKey builds `'<letters>';` padded with newlines to size bytes.
func randomKey(size int) []byte {
	maxLetters := size - 3
	n := 6
	if maxLetters > n {
		n += rand.IntN(maxLetters - n + 1)
	} else {
		n = maxLetters
	}
	buf := make([]byte, 0, size)
	buf = append(buf, '\'')
	for i := 0; i < n; i++ {
		buf = append(buf, letters[rand.IntN(len(letters))])
	}
	buf = append(buf, '\'', ';')
	return append(buf, bytes.Repeat([]byte("\n"), size-len(buf))...)
}

// GenRandomCDC returns a 26 byte cdc replacement key.
func GenRandomCDC() []byte {
	cdc := make([]byte, 26)
	for i := range cdc {
		cdc[i] = letters[rand.IntN(26)]
	}
	cdc[20] -= 'a' - 'A'
	cdc[21] -= 'a' - 'A'
	cdc[2] = cdc[0]
	cdc[3] = '_'
	return cdc
}

// GenRandomCDCBeta returns a 27 letter key of mixed case.
func GenRandomCDCBeta() []byte {
	cdc := make([]byte, 27)
	for i := range cdc {
		cdc[i] = letters[rand.IntN(len(letters))]
	}
	return cdc
}
