package models

import (
	"encoding/json"
	"time"
)

// Content ownership
const (
	OwnerNeopro = "neopro"
	OwnerClub   = "club"
)

// Configuration is the device content library: central settings plus the
// category tree. Unknown top-level fields are preserved across load/save so
// older agents never destroy newer configuration.
type Configuration struct {
	Version          string
	LiveScoreEnabled *bool
	Settings         map[string]interface{}
	Categories       []*Category

	// Extra holds unrecognized top-level fields, round-tripped verbatim.
	Extra map[string]json.RawMessage
}

// Category is one node of the content tree. A category is central-owned
// when it is locked or carries the neopro owner marker; such categories are
// replaced wholesale by central pushes and never mutated locally.
type Category struct {
	ID            string
	Name          string
	Locked        bool
	Owner         string
	Videos        []*Video
	SubCategories []*Category

	Extra map[string]json.RawMessage
}

// Video is a playable item inside a category.
type Video struct {
	Name      string
	Filename  string
	Path      string
	Locked    bool
	ExpiresAt *time.Time
	Checksum  string

	Extra map[string]json.RawMessage
}

// CentralOwned reports whether the category belongs to the central server's
// namespace. Only an explicit locked flag or neopro owner confers central
// authority; an unmarked category from central is a club suggestion.
func (c *Category) CentralOwned() bool {
	return c.Locked || c.Owner == OwnerNeopro
}

// Expired reports whether the video carries an expiry in the past.
func (v *Video) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && v.ExpiresAt.Before(now)
}

// NewConfiguration returns an empty library.
func NewConfiguration() *Configuration {
	return &Configuration{
		Settings:   map[string]interface{}{},
		Categories: []*Category{},
	}
}

// Clone returns a deep copy of the configuration.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return NewConfiguration()
	}
	out := &Configuration{
		Version:    c.Version,
		Categories: make([]*Category, 0, len(c.Categories)),
		Extra:      cloneRaw(c.Extra),
	}
	if c.LiveScoreEnabled != nil {
		v := *c.LiveScoreEnabled
		out.LiveScoreEnabled = &v
	}
	if c.Settings != nil {
		out.Settings = make(map[string]interface{}, len(c.Settings))
		for k, v := range c.Settings {
			out.Settings[k] = v
		}
	}
	for _, cat := range c.Categories {
		if cat == nil {
			continue
		}
		out.Categories = append(out.Categories, cat.Clone())
	}
	return out
}

// Clone returns a deep copy of the category.
func (c *Category) Clone() *Category {
	out := &Category{
		ID:     c.ID,
		Name:   c.Name,
		Locked: c.Locked,
		Owner:  c.Owner,
		Extra:  cloneRaw(c.Extra),
	}
	for _, v := range c.Videos {
		if v == nil {
			continue
		}
		out.Videos = append(out.Videos, v.Clone())
	}
	for _, sub := range c.SubCategories {
		if sub == nil {
			continue
		}
		out.SubCategories = append(out.SubCategories, sub.Clone())
	}
	return out
}

// Clone returns a deep copy of the video.
func (v *Video) Clone() *Video {
	out := &Video{
		Name:     v.Name,
		Filename: v.Filename,
		Path:     v.Path,
		Locked:   v.Locked,
		Checksum: v.Checksum,
		Extra:    cloneRaw(v.Extra),
	}
	if v.ExpiresAt != nil {
		t := *v.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		c := make(json.RawMessage, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
