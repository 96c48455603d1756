package uploader

import (
	"encoding/base64"
	"mime"
	"path/filepath"
	"strings"
)

// base64Signatures maps the first character of the base64 encoding of
// common image formats to a file extension. It is a last resort for
// buffers that arrive without a file name or content type. The magic
// bytes of JPEG (FF D8 FF), PNG (89 50 4E), GIF (47 49 46) and WebP
// ("RIFF") encode to "/9j", "iVBO", "R0lG" and "UklG". Anything else
// gets no extension.
var base64Signatures = map[byte]string{
	'/': ".jpg",
	'i': ".png",
	'R': ".gif",
	'U': ".webp",
}

// sniffBase64 guesses an extension from the first character of a base64
// encoded payload.
func sniffBase64(encoded string) string {
	if encoded == "" {
		return ""
	}
	return base64Signatures[encoded[0]]
}

// bufferExtension picks the storage key extension for an in-memory
// artifact: the name wins, then the content type, then the base64
// signature table.
func bufferExtension(name, contentType string, data []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		return strings.ToLower(ext)
	}
	if contentType != "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			return preferredExtension(contentType, exts)
		}
	}
	if len(data) == 0 {
		return ""
	}
	// only the first few bytes matter for the leading character
	head := data
	if len(head) > 3 {
		head = head[:3]
	}
	return sniffBase64(base64.StdEncoding.EncodeToString(head))
}

// preferredExtension avoids surprising picks from the platform mime
// table such as ".jfif" for image/jpeg.
func preferredExtension(contentType string, exts []string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg":
		return ".jpg"
	case "text/plain":
		return ".txt"
	}
	return exts[0]
}

// contentTypeFor returns the MIME type of a file path, preferring an
// explicit type supplied by the producer.
func contentTypeFor(path, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
