package format

// Validator answers whether an extension is processable. The supported set is
// enumerated once from the registry; lookups never touch the filesystem.
type Validator struct {
	supported map[string]Codec
	mimeTypes map[string]string
}

// NewValidator builds the case-sensitive extension set from reg and copies the
// MIME inference table.
func NewValidator(reg *Registry, mimeTypes map[string]string) *Validator {
	v := &Validator{
		supported: make(map[string]Codec),
		mimeTypes: make(map[string]string, len(mimeTypes)),
	}
	for _, c := range reg.Codecs() {
		for _, name := range c.names() {
			v.supported[name] = c
		}
	}
	for ext, mime := range mimeTypes {
		v.mimeTypes[ext] = mime
	}
	return v
}

// IsSupported reports whether files with this extension can be processed.
// Matching is exact: "png" and "PNG" are listed, "Png" is not.
func (v *Validator) IsSupported(ext string) bool {
	_, ok := v.supported[ext]
	return ok
}

// Codec returns the codec for a supported extension.
func (v *Validator) Codec(ext string) (Codec, bool) {
	c, ok := v.supported[ext]
	return c, ok
}

// InferMimeType looks ext up in the static table. Callers only use it when the
// client did not send a type.
func (v *Validator) InferMimeType(ext string) (string, bool) {
	mime, ok := v.mimeTypes[ext]
	return mime, ok
}

// ResolveMimeType returns claimed when non-empty, otherwise the inferred type
// (possibly empty).
func (v *Validator) ResolveMimeType(claimed, ext string) string {
	if claimed != "" {
		return claimed
	}
	mime, _ := v.InferMimeType(ext)
	return mime
}
