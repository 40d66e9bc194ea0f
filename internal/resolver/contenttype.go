package resolver

import (
	"mime"
	"path"
	"strings"
)

const defaultContentType = "application/octet-stream"

// Types for legacy plugin formats the platform MIME tables rarely know, plus
// the common web types pinned so results do not vary by host.
var contentTypes = map[string]string{
	".swf":     "application/x-shockwave-flash",
	".spl":     "application/futuresplash",
	".dcr":     "application/x-director",
	".dir":     "application/x-director",
	".dxr":     "application/x-director",
	".cct":     "application/x-director",
	".cst":     "application/x-director",
	".w3d":     "application/x-director",
	".unity3d": "application/vnd.unity",
	".xap":     "application/x-silverlight-app",
	".jar":     "application/java-archive",
	".class":   "application/java-vm",
	".wrl":     "model/vrml",
	".vrml":    "model/vrml",
	".x3d":     "model/x3d+xml",
	".html":    "text/html; charset=utf-8",
	".htm":     "text/html; charset=utf-8",
	".js":      "text/javascript; charset=utf-8",
	".mjs":     "text/javascript; charset=utf-8",
	".css":     "text/css; charset=utf-8",
	".json":    "application/json",
	".xml":     "text/xml; charset=utf-8",
	".txt":     "text/plain; charset=utf-8",
	".wasm":    "application/wasm",
	".data":    defaultContentType,
	".mem":     defaultContentType,
	".png":     "image/png",
	".gif":     "image/gif",
	".jpg":     "image/jpeg",
	".jpeg":    "image/jpeg",
	".svg":     "image/svg+xml",
	".ico":     "image/x-icon",
	".mp3":     "audio/mpeg",
	".wav":     "audio/wav",
	".ogg":     "audio/ogg",
	".mid":     "audio/midi",
	".midi":    "audio/midi",
	".mp4":     "video/mp4",
	".woff":    "font/woff",
	".woff2":   "font/woff2",
	".ttf":     "font/ttf",
}

// ContentTypeFor derives a content type from the file extension of name.
// With brotli set, a trailing ".br" is ignored and the inner extension used.
func ContentTypeFor(name string, brotli bool) string {
	name = strings.ToLower(stripQuery(name))
	if brotli {
		name = strings.TrimSuffix(name, ".br")
	}
	ext := path.Ext(name)
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}

func isHTML(contentType string) bool {
	return mediaType(contentType) == "text/html"
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
