package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// The library file must tolerate unknown fields: anything this agent does
// not recognize is carried in the Extra bag and written back unchanged.
// Malformed or null entries inside arrays are filtered out, not fatal.

// UnmarshalJSON implements tolerant decoding for Configuration.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("configuration must be a JSON object: %w", err)
	}
	c.Settings = map[string]interface{}{}
	c.Categories = []*Category{}
	for key, val := range raw {
		switch key {
		case "version":
			_ = json.Unmarshal(val, &c.Version)
		case "liveScoreEnabled":
			var b bool
			if err := json.Unmarshal(val, &b); err == nil {
				c.LiveScoreEnabled = &b
			}
		case "settings":
			_ = json.Unmarshal(val, &c.Settings)
		case "categories":
			c.Categories = decodeCategories(val)
		default:
			if c.Extra == nil {
				c.Extra = map[string]json.RawMessage{}
			}
			c.Extra[key] = val
		}
	}
	return nil
}

// MarshalJSON writes known fields over the preserved extras.
func (c *Configuration) MarshalJSON() ([]byte, error) {
	out := rawCopy(c.Extra)
	if c.Version != "" {
		out["version"] = mustRaw(c.Version)
	}
	if c.LiveScoreEnabled != nil {
		out["liveScoreEnabled"] = mustRaw(*c.LiveScoreEnabled)
	}
	if c.Settings != nil {
		out["settings"] = mustRaw(c.Settings)
	}
	cats := c.Categories
	if cats == nil {
		cats = []*Category{}
	}
	out["categories"] = mustRaw(cats)
	return json.Marshal(out)
}

// UnmarshalJSON implements tolerant decoding for Category.
func (c *Category) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("category must be a JSON object: %w", err)
	}
	for key, val := range raw {
		switch key {
		case "id":
			_ = json.Unmarshal(val, &c.ID)
		case "name":
			_ = json.Unmarshal(val, &c.Name)
		case "locked":
			_ = json.Unmarshal(val, &c.Locked)
		case "owner":
			_ = json.Unmarshal(val, &c.Owner)
		case "videos":
			c.Videos = decodeVideos(val)
		case "subCategories":
			c.SubCategories = decodeCategories(val)
		default:
			if c.Extra == nil {
				c.Extra = map[string]json.RawMessage{}
			}
			c.Extra[key] = val
		}
	}
	if c.ID == "" {
		return fmt.Errorf("category missing id")
	}
	return nil
}

// MarshalJSON writes known fields over the preserved extras.
func (c *Category) MarshalJSON() ([]byte, error) {
	out := rawCopy(c.Extra)
	out["id"] = mustRaw(c.ID)
	out["name"] = mustRaw(c.Name)
	out["locked"] = mustRaw(c.Locked)
	if c.Owner != "" {
		out["owner"] = mustRaw(c.Owner)
	}
	videos := c.Videos
	if videos == nil {
		videos = []*Video{}
	}
	out["videos"] = mustRaw(videos)
	if len(c.SubCategories) > 0 {
		out["subCategories"] = mustRaw(c.SubCategories)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements tolerant decoding for Video.
func (v *Video) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("video must be a JSON object: %w", err)
	}
	for key, val := range raw {
		switch key {
		case "name":
			_ = json.Unmarshal(val, &v.Name)
		case "filename":
			_ = json.Unmarshal(val, &v.Filename)
		case "path":
			_ = json.Unmarshal(val, &v.Path)
		case "locked":
			_ = json.Unmarshal(val, &v.Locked)
		case "checksum":
			_ = json.Unmarshal(val, &v.Checksum)
		case "expires_at":
			var t time.Time
			if err := json.Unmarshal(val, &t); err == nil {
				v.ExpiresAt = &t
			}
		default:
			if v.Extra == nil {
				v.Extra = map[string]json.RawMessage{}
			}
			v.Extra[key] = val
		}
	}
	if v.Filename == "" && v.Name == "" {
		return fmt.Errorf("video missing name and filename")
	}
	return nil
}

// MarshalJSON writes known fields over the preserved extras.
func (v *Video) MarshalJSON() ([]byte, error) {
	out := rawCopy(v.Extra)
	out["name"] = mustRaw(v.Name)
	out["filename"] = mustRaw(v.Filename)
	if v.Path != "" {
		out["path"] = mustRaw(v.Path)
	}
	if v.Locked {
		out["locked"] = mustRaw(v.Locked)
	}
	if v.ExpiresAt != nil {
		out["expires_at"] = mustRaw(v.ExpiresAt)
	}
	if v.Checksum != "" {
		out["checksum"] = mustRaw(v.Checksum)
	}
	return json.Marshal(out)
}

// decodeCategories filters out null and malformed entries.
func decodeCategories(data []byte) []*Category {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return []*Category{}
	}
	out := make([]*Category, 0, len(items))
	for _, item := range items {
		if len(item) == 0 || string(item) == "null" {
			continue
		}
		var cat Category
		if err := json.Unmarshal(item, &cat); err != nil {
			continue
		}
		out = append(out, &cat)
	}
	return out
}

// decodeVideos filters out null and malformed entries.
func decodeVideos(data []byte) []*Video {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return []*Video{}
	}
	out := make([]*Video, 0, len(items))
	for _, item := range items {
		if len(item) == 0 || string(item) == "null" {
			continue
		}
		var video Video
		if err := json.Unmarshal(item, &video); err != nil {
			continue
		}
		out = append(out, &video)
	}
	return out
}

func rawCopy(extra map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(extra)+8)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
