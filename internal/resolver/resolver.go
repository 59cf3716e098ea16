// Package resolver turns a raw host path pattern into a concrete
// endpoint plus the residual file-name pattern that endpoint should
// open or list, per spec.md §4.2.
//
// Grounded on original_source/pcserver/resolver.c's resolve()/
// resolve_scan() walk; simplified from the original's per-component
// direntry() iteration (which our provider.Endpoint.OpenDir already
// performs internally, wildcard match included) down to the part that
// genuinely lives above the endpoint: canonicalising the pattern and
// peeling off any leading directory components via the endpoint's own
// Chdir before handing the final component to Open/OpenDir/Scratch/etc.
//
// Endpoint-sharing (the registry-backed re-use of an already-mounted
// image endpoint for two access paths to the same file) is implemented
// one level up, in provider.Registry — the part of the original
// resolver that wraps a plain file into a temporary image endpoint
// on the fly (a .d64 discovered while listing a directory) is not
// implemented: this server mounts images only via explicit ASSIGN to
// the "di" scheme (spec.md §8 scenario 6), not by auto-detection while
// walking a directory tree. See DESIGN.md.
package resolver

import (
	"context"
	"strings"

	"fsserver/internal/cbmerr"
	"fsserver/internal/provider"
)

// Canonicalize applies spec.md §4.2 step 1: empty pattern becomes "*";
// a pattern ending in "/" gets "*" appended.
func Canonicalize(pattern string) string {
	if pattern == "" {
		return "*"
	}
	if strings.HasSuffix(pattern, "/") {
		return pattern + "*"
	}
	return pattern
}

// Resolve splits pattern into any leading directory components and a
// final residual pattern, changing ep's current directory to match the
// leading components (via Chdir) before returning. Endpoints without
// CHDIR support (every disk image, D81 included, and the tcp provider)
// return FAULT from Chdir for a non-empty directory portion, which
// Resolve propagates as DIR_NOT_FOUND — a CHDIR into a flat back-end
// naming a subdirectory genuinely does not exist.
func Resolve(ctx context.Context, ep provider.Endpoint, pattern string) (string, error) {
	pattern = Canonicalize(pattern)
	slash := strings.LastIndexByte(pattern, '/')
	if slash < 0 {
		return pattern, nil
	}
	dirPart, filePart := pattern[:slash], pattern[slash+1:]
	if dirPart == "" {
		dirPart = "/"
	}
	if err := ep.Chdir(ctx, dirPart); err != nil {
		if ce := cbmerr.As(err); ce.Code == cbmerr.FAULT {
			return "", cbmerr.New(cbmerr.DIR_NOT_FOUND, dirPart)
		}
		return "", err
	}
	if filePart == "" {
		filePart = "*"
	}
	return filePart, nil
}
