package bundle

import (
	"encoding/json"
	"io"

	"permagate/pkg/types"
)

// MaxSize bounds how much of a container body is parsed.
const MaxSize = 512 * 1024 * 1024

// Item is a bundle entry with its tags and data decoded.
type Item struct {
	ID          string
	Owner       string
	Target      string
	Tags        types.Tags
	Data        []byte
	ContentType string
}

type container struct {
	Items []types.BundleItem `json:"items"`
}

// Parse decodes a JSON bundle container, {"items": [...]}, keeping tags and
// data encoded until an item is resolved.
func Parse(r io.Reader) ([]types.BundleItem, error) {
	var c container
	if err := json.NewDecoder(io.LimitReader(r, MaxSize)).Decode(&c); err != nil {
		return nil, types.Validationf("malformed bundle: %v", err)
	}
	if c.Items == nil {
		return nil, types.Validationf("bundle has no items list")
	}
	items := c.Items[:0]
	for _, item := range c.Items {
		if types.ValidateID(item.ID) != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ResolveItem returns the item with the given id. Tags, data and content
// type all come from the item itself, never from the container.
func ResolveItem(items []types.BundleItem, id string) (*Item, error) {
	for _, raw := range items {
		if raw.ID != id {
			continue
		}

		tags, err := DecodeTags(raw.Tags)
		if err != nil {
			return nil, types.Validationf("bundle item %s: %v", id, err)
		}
		data, err := types.DecodeB64URL(raw.Data)
		if err != nil {
			return nil, types.Validationf("bundle item %s data: %v", id, err)
		}

		return &Item{
			ID:          raw.ID,
			Owner:       raw.Owner,
			Target:      raw.Target,
			Tags:        tags,
			Data:        data,
			ContentType: tags.ContentType(),
		}, nil
	}
	return nil, types.NotFoundf("item %s not in bundle", id)
}

// DecodeTags decodes base64url tag names and values.
func DecodeTags(encoded []types.EncodedTag) (types.Tags, error) {
	tags := make(types.Tags, 0, len(encoded))
	for _, t := range encoded {
		name, err := types.DecodeB64URL(t.Name)
		if err != nil {
			return nil, err
		}
		value, err := types.DecodeB64URL(t.Value)
		if err != nil {
			return nil, err
		}
		tags = append(tags, types.Tag{Name: string(name), Value: string(value)})
	}
	return tags, nil
}

// Headers returns an index header for every item, parented to container.
func Headers(container string, items []types.BundleItem) ([]types.ContentHeader, error) {
	headers := make([]types.ContentHeader, 0, len(items))
	for _, raw := range items {
		tags, err := DecodeTags(raw.Tags)
		if err != nil {
			return nil, types.Validationf("bundle item %s: %v", raw.ID, err)
		}
		data, err := types.DecodeB64URL(raw.Data)
		if err != nil {
			return nil, types.Validationf("bundle item %s data: %v", raw.ID, err)
		}
		headers = append(headers, types.ContentHeader{
			ID:          raw.ID,
			DataSize:    int64(len(data)),
			ContentType: tags.ContentType(),
			Parent:      container,
			Tags:        tags,
		})
	}
	return headers, nil
}
