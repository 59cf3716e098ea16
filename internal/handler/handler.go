// Package handler implements the filename-wrapping layers that sit
// between the resolver and a provider.Endpoint: x00 (PC64 .P00/.S00/.U00/.R00
// sidecar naming) and typed (bare extension implies CBM file type),
// per spec.md §4.2 step 3 / §2's "Handler registry" row.
//
// Grounded on original_source/pcserver/x00_handler.c and
// typed_handler.c, simplified to the part those files actually
// contribute once directory entries already carry their CBM type byte
// from the handler's wrapped provider.DirEntry.FileType (the teacher's
// engine reports the type directly, so no on-disk PC64 header parsing
// is needed — only the name<->type cosmetic mapping is).
//
// internal/provider/localfs is the one back-end that actually needs
// this: a plain OS directory has no CBM type byte of its own, so its
// Open/OpenDir/Rename/Copy/Scratch run every name through DefaultChain
// to translate between the exposed CBM-style name and the real
// extension-carrying file on disk.
package handler

import (
	"strings"
)

// Handler virtualises the name (and implied type) a directory entry
// presents to the resolver, independent of how the underlying provider
// actually stores it.
type Handler interface {
	// Wrap rewrites one entry's exposed name/type; ok is false if this
	// handler has no opinion about the entry (pass it through unchanged).
	Wrap(name, fileType string) (exposedName, exposedType string, ok bool)

	// Unwrap maps a name the host asked to create back to the storage
	// name this handler wants on disk, given the type the host supplied.
	Unwrap(name, fileType string) (storageName string)
}

// Chain applies a sequence of Handlers in order; the first to claim an
// entry wins (spec.md's wrap "chain" is a priority list, not a pipeline,
// since x00 and typed both key off the same file extension).
type Chain []Handler

// DefaultChain is x00 before typed, matching the original's
// registration order (x00_handler_init before typed_handler_init).
func DefaultChain() Chain {
	return Chain{x00Handler{}, typedHandler{}}
}

func (c Chain) Wrap(name, fileType string) (string, string) {
	for _, h := range c {
		if en, et, ok := h.Wrap(name, fileType); ok {
			return en, et
		}
	}
	return name, fileType
}

func (c Chain) Unwrap(name, fileType string) string {
	for _, h := range c {
		if sn := h.Unwrap(name, fileType); sn != name {
			return sn
		}
	}
	return name
}

// x00Handler exposes "FOO.P00"/"FOO.S00"/"FOO.U00"/"FOO.R00" as bare
// "FOO" with the type implied by the middle letter, the PC64-on-a-
// filesystem convention x00_handler.c implements at the byte-header
// level; here the provider already reports the real CBM type for
// images, so this handler only applies to name cosmetics on providers
// (like localfs) that store everything as SEQ/PRG-agnostic host files
// named with the xxx extension convention.
type x00Handler struct{}

var x00Types = map[byte]string{'P': "PRG", 'S': "SEQ", 'U': "USR", 'R': "REL"}
var x00Letters = map[string]byte{"PRG": 'P', "SEQ": 'S', "USR": 'U', "REL": 'R'}

func (x00Handler) Wrap(name, fileType string) (string, string, bool) {
	if len(name) < 5 {
		return "", "", false
	}
	ext := strings.ToUpper(name[len(name)-4:])
	if len(ext) != 4 || ext[0] != '.' || ext[2] != '0' || ext[3] != '0' {
		return "", "", false
	}
	t, ok := x00Types[ext[1]]
	if !ok {
		return "", "", false
	}
	return name[:len(name)-4], t, true
}

func (x00Handler) Unwrap(name, fileType string) string {
	letter, ok := x00Letters[strings.ToUpper(fileType)]
	if !ok {
		return name
	}
	return name + "." + string(letter) + "00"
}

// typedHandler exposes a bare extension (".PRG", ".SEQ", ".USR", ".REL")
// as the implied CBM type with the extension stripped, the convention
// typed_handler.c uses for hosts that want to browse a plain directory
// tree as if it were a CBM disk.
type typedHandler struct{}

var typedExts = map[string]string{".PRG": "PRG", ".SEQ": "SEQ", ".USR": "USR", ".REL": "REL", ".DEL": "DEL"}
var typedSuffix = map[string]string{"PRG": ".PRG", "SEQ": ".SEQ", "USR": ".USR", "REL": ".REL", "DEL": ".DEL"}

func (typedHandler) Wrap(name, fileType string) (string, string, bool) {
	if len(name) < 5 {
		return "", "", false
	}
	ext := strings.ToUpper(name[len(name)-4:])
	t, ok := typedExts[ext]
	if !ok {
		return "", "", false
	}
	return name[:len(name)-4], t, true
}

func (typedHandler) Unwrap(name, fileType string) string {
	suf, ok := typedSuffix[strings.ToUpper(fileType)]
	if !ok {
		return name
	}
	return name + suf
}
