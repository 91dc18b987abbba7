// Package spec embeds the OpenAPI document served at /openapi.yaml and
// rendered by the /docs UI.
package spec

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"net/http"
	"time"
)

//go:embed openapi.yaml
var document []byte

var etag = func() string {
	sum := sha256.Sum256(document)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}()

// Document returns a copy of the embedded OpenAPI YAML.
func Document() []byte {
	return bytes.Clone(document)
}

// OpenAPIHandler serves the document with an ETag so the docs UI can revalidate.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("ETag", etag)
		http.ServeContent(w, r, "openapi.yaml", time.Time{}, bytes.NewReader(document))
	}
}
