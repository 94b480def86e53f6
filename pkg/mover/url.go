package mover

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Scheme is the closed set of URL schemes the mover understands.
type Scheme int

const (
	SchemeLocal Scheme = iota
	SchemeS3
	SchemeHTTP
	SchemeHTTPS
	SchemeFTP
	SchemeGlobus
	SchemeSRA
	SchemeDBGaP
)

// String returns the canonical scheme prefix.
func (s Scheme) String() string {
	switch s {
	case SchemeLocal:
		return "local"
	case SchemeS3:
		return "s3"
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	case SchemeFTP:
		return "ftp"
	case SchemeGlobus:
		return "globus"
	case SchemeSRA:
		return "sra"
	case SchemeDBGaP:
		return "dbgap"
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

// BackendKind identifies the backend family that serves a scheme.
type BackendKind string

const (
	BackendLocal       BackendKind = "local"
	BackendObjectStore BackendKind = "objectstore"
	BackendWeb         BackendKind = "web"
	BackendManaged     BackendKind = "managed"
)

// AllBackends lists the backend kinds in dispatch order.
var AllBackends = []BackendKind{BackendLocal, BackendObjectStore, BackendWeb, BackendManaged}

// Backend returns the backend kind for the scheme. Non-transferable schemes
// return "".
func (s Scheme) Backend() BackendKind {
	switch s {
	case SchemeLocal:
		return BackendLocal
	case SchemeS3:
		return BackendObjectStore
	case SchemeHTTP, SchemeHTTPS, SchemeFTP:
		return BackendWeb
	case SchemeGlobus:
		return BackendManaged
	default:
		return ""
	}
}

// Transferable reports whether the mover can move data for the scheme.
// Archive identifiers (sra, dbgap) name data but cannot be fetched directly.
func (s Scheme) Transferable() bool {
	return s.Backend() != ""
}

// schemes is the dispatch table for prefixes, matched case-insensitively.
var schemes = map[string]Scheme{
	"file":   SchemeLocal,
	"s3":     SchemeS3,
	"s3n":    SchemeS3,
	"http":   SchemeHTTP,
	"https":  SchemeHTTPS,
	"ftp":    SchemeFTP,
	"globus": SchemeGlobus,
	"sra":    SchemeSRA,
	"dbgap":  SchemeDBGaP,
}

// URL is a parsed mover location. It is an immutable value.
type URL struct {
	Scheme Scheme

	// Raw is the string the URL was parsed from, or its canonical form
	// after Join.
	Raw string

	// Host is the bucket, web host or transfer endpoint. Empty for local paths.
	Host string

	// Path is the object key, URL path or local filesystem path.
	Path string
}

// ParseURL classifies raw by its scheme prefix. A string without "://" is a
// local path.
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URL{}, fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	prefix, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return URL{Scheme: SchemeLocal, Raw: raw, Path: raw}, nil
	}

	scheme, known := schemes[strings.ToLower(prefix)]
	if !known {
		return URL{}, fmt.Errorf("%w: unknown scheme %q in %q", ErrInvalidURL, prefix, raw)
	}

	u := URL{Scheme: scheme, Raw: raw}
	switch scheme {
	case SchemeLocal:
		u.Path = rest
		if u.Path == "" {
			return URL{}, fmt.Errorf("%w: empty path in %q", ErrInvalidURL, raw)
		}
	case SchemeS3:
		u.Host, u.Path, _ = strings.Cut(rest, "/")
		if u.Host == "" {
			return URL{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidURL, raw)
		}
	case SchemeHTTP, SchemeHTTPS, SchemeFTP, SchemeGlobus:
		host, p, _ := strings.Cut(rest, "/")
		if host == "" {
			return URL{}, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
		}
		u.Host = host
		u.Path = "/" + p
	case SchemeSRA, SchemeDBGaP:
		u.Host = strings.TrimSuffix(rest, "/")
	}
	return u, nil
}

// MustParseURL is ParseURL for literals known to be valid.
func MustParseURL(raw string) URL {
	u, err := ParseURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the raw form.
func (u URL) String() string {
	return u.Raw
}

// Base returns the last path element.
func (u URL) Base() string {
	if u.Scheme == SchemeLocal {
		return filepath.Base(u.Path)
	}
	return path.Base(u.Path)
}

// IsDir reports whether the URL names a directory-like prefix (trailing slash).
func (u URL) IsDir() bool {
	return strings.HasSuffix(u.Path, "/")
}

// Join returns a new URL with rel appended to the path.
func (u URL) Join(rel string) URL {
	out := u
	switch u.Scheme {
	case SchemeLocal:
		out.Path = filepath.Join(u.Path, filepath.FromSlash(rel))
		out.Raw = out.Path
		return out
	case SchemeS3:
		out.Path = strings.TrimPrefix(path.Join(u.Path, rel), "/")
	default:
		out.Path = path.Join(u.Path, rel)
		if !strings.HasPrefix(out.Path, "/") {
			out.Path = "/" + out.Path
		}
	}

	host := u.Host
	if u.Scheme == SchemeS3 {
		out.Raw = u.Scheme.String() + "://" + host + "/" + out.Path
	} else {
		out.Raw = u.Scheme.String() + "://" + host + out.Path
	}
	return out
}
