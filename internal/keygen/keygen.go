// Package keygen names uploads. Every artifact of one upload shares a short
// random identifier drawn from a fixed alphabet.
package keygen

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// UploadKey identifies one upload and derives its artifact file names.
type UploadKey struct {
	ID        string `json:"id"`
	Extension string `json:"extension"`
}

// FileName is the name of the original artifact, e.g. "AbCdEfGhI.png".
func (k UploadKey) FileName() string {
	return k.ID + "." + k.Extension
}

// VariantFileName is the name of a resized artifact, e.g. "AbCdEfGhI-T.png".
func (k UploadKey) VariantFileName(suffix string) string {
	return k.ID + "-" + suffix + "." + k.Extension
}

// Generator draws fixed-length identifiers uniformly from an alphabet.
type Generator struct {
	length   int
	alphabet []byte
	member   [256]bool
	limit    int
	rand     io.Reader
}

// New creates a generator. The alphabet must hold between 1 and 256 distinct bytes.
func New(length int, alphabet string) (*Generator, error) {
	if length <= 0 {
		return nil, fmt.Errorf("key length must be greater than 0")
	}
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return nil, fmt.Errorf("key alphabet must hold 1..256 characters")
	}
	g := &Generator{
		length:   length,
		alphabet: []byte(alphabet),
		rand:     rand.Reader,
	}
	for _, c := range g.alphabet {
		if g.member[c] {
			return nil, fmt.Errorf("key alphabet has duplicate character %q", c)
		}
		g.member[c] = true
	}
	// Largest multiple of the alphabet size that fits in a byte; bytes at or
	// above it are rejected so every character is equally likely.
	g.limit = 256 - 256%len(g.alphabet)
	return g, nil
}

// Length returns the identifier length.
func (g *Generator) Length() int { return g.length }

// Generate returns a fresh key for an upload with the given extension.
// It panics if the system randomness source fails.
func (g *Generator) Generate(extension string) UploadKey {
	return UploadKey{ID: g.id(), Extension: extension}
}

func (g *Generator) id() string {
	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)
	for len(out) < g.length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			panic(fmt.Sprintf("keygen: read random bytes: %v", err))
		}
		for _, b := range buf {
			if int(b) >= g.limit {
				continue
			}
			out = append(out, g.alphabet[int(b)%len(g.alphabet)])
			if len(out) == g.length {
				break
			}
		}
	}
	return string(out)
}

// Matcher recognises the file names a Generator produces for a fixed set of
// variant suffixes and supported extensions.
type Matcher struct {
	g         *Generator
	suffixes  map[string]bool
	supported func(ext string) bool
}

// Matcher returns a Matcher for the configured variant suffixes. supported
// reports whether an extension can appear on an artifact.
func (g *Generator) Matcher(suffixes []string, supported func(ext string) bool) *Matcher {
	m := &Matcher{g: g, suffixes: make(map[string]bool, len(suffixes)), supported: supported}
	for _, s := range suffixes {
		m.suffixes[s] = true
	}
	return m
}

// Match reports whether name is "{id}.{ext}" or "{id}-{suffix}.{ext}" with an
// identifier of the right length and alphabet, a known suffix and a supported
// extension.
func (m *Matcher) Match(name string) bool {
	g := m.g
	if g == nil || len(name) <= g.length+1 {
		return false
	}
	for i := 0; i < g.length; i++ {
		if !g.member[name[i]] {
			return false
		}
	}
	rest := name[g.length:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return false
	}
	ext := rest[dot+1:]
	if ext == "" || m.supported == nil || !m.supported(ext) {
		return false
	}
	switch {
	case dot == 0:
		return true
	case rest[0] == '-':
		return m.suffixes[rest[1:dot]]
	}
	return false
}
