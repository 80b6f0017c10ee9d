package outbound

import (
	"github.com/tidwall/gjson"
)

// ImageURLs returns the image references embedded in a tool-result payload,
// in document order. Recognized shapes are images[] (strings or {url}),
// image_url (string or {url}) and content[] entries with type "image".
func ImageURLs(payload []byte) []string {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil
	}

	root := gjson.ParseBytes(payload)
	// Some agents wrap the result in a JSON string.
	if root.Type == gjson.String && gjson.Valid(root.String()) {
		root = gjson.Parse(root.String())
	}

	var urls []string
	add := func(u string) {
		if u != "" {
			urls = append(urls, u)
		}
	}

	root.Get("images").ForEach(func(_, v gjson.Result) bool {
		add(stringOrURL(v))
		return true
	})

	add(stringOrURL(root.Get("image_url")))

	root.Get("content").ForEach(func(_, v gjson.Result) bool {
		if v.Get("type").String() != "image" {
			return true
		}
		switch {
		case v.Get("url").Exists():
			add(v.Get("url").String())
		case v.Get("image_url").Exists():
			add(stringOrURL(v.Get("image_url")))
		case v.Get("source.url").Exists():
			add(v.Get("source.url").String())
		case v.Get("data").Exists():
			mime := v.Get("mimeType").String()
			if mime == "" {
				mime = v.Get("mime_type").String()
			}
			if mime == "" {
				mime = "image/png"
			}
			add("data:" + mime + ";base64," + v.Get("data").String())
		}
		return true
	})

	return urls
}

func stringOrURL(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsObject():
		return v.Get("url").String()
	}
	return ""
}
