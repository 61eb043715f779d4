package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AssetKind tags the representation held by an Asset.
type AssetKind int

const (
	// AssetNone means the field is empty.
	AssetNone AssetKind = iota
	// AssetRemote means the field holds a stable hosted URL.
	AssetRemote
	// AssetPending means the field holds a local blob awaiting upload.
	AssetPending
)

// String returns a human-readable representation of the kind.
func (k AssetKind) String() string {
	switch k {
	case AssetNone:
		return "none"
	case AssetRemote:
		return "remote"
	case AssetPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Asset is a binary field value: nothing, a remote URL, or a handle to a
// blob kept in the local store. It never holds both a URL and a handle.
//
// JSON form: null, "https://..." or {"blob": "<handle>"}.
type Asset struct {
	kind  AssetKind
	value string
}

// RemoteAsset returns an asset pointing at a hosted URL.
// An empty url yields the empty asset.
func RemoteAsset(url string) Asset {
	if url == "" {
		return Asset{}
	}
	return Asset{kind: AssetRemote, value: url}
}

// PendingAsset returns an asset referring to a local blob handle.
// An empty handle yields the empty asset.
func PendingAsset(handle string) Asset {
	if handle == "" {
		return Asset{}
	}
	return Asset{kind: AssetPending, value: handle}
}

// Kind reports which representation a holds.
func (a Asset) Kind() AssetKind { return a.kind }

// IsEmpty reports whether a holds nothing.
func (a Asset) IsEmpty() bool { return a.kind == AssetNone }

// IsRemote reports whether a holds a URL.
func (a Asset) IsRemote() bool { return a.kind == AssetRemote }

// IsPending reports whether a holds a local blob handle.
func (a Asset) IsPending() bool { return a.kind == AssetPending }

// URL returns the hosted URL, or "" when a is not remote.
func (a Asset) URL() string {
	if a.kind != AssetRemote {
		return ""
	}
	return a.value
}

// Handle returns the blob handle, or "" when a is not pending.
func (a Asset) Handle() string {
	if a.kind != AssetPending {
		return ""
	}
	return a.value
}

// String implements fmt.Stringer.
func (a Asset) String() string {
	switch a.kind {
	case AssetRemote:
		return a.value
	case AssetPending:
		return "blob:" + a.value
	default:
		return ""
	}
}

type pendingJSON struct {
	Blob string `json:"blob"`
}

// MarshalJSON implements json.Marshaler.
func (a Asset) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case AssetRemote:
		return json.Marshal(a.value)
	case AssetPending:
		return json.Marshal(pendingJSON{Blob: a.value})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Asset) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*a = Asset{}
		return nil
	case data[0] == '"':
		var url string
		if err := json.Unmarshal(data, &url); err != nil {
			return fmt.Errorf("invalid asset url: %w", err)
		}
		*a = RemoteAsset(url)
		return nil
	case data[0] == '{':
		var p pendingJSON
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid pending asset: %w", err)
		}
		*a = PendingAsset(p.Blob)
		return nil
	default:
		return fmt.Errorf("invalid asset value: %s", data)
	}
}
