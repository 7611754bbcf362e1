package server

import "net/http"

// maxBodyBytes caps write-request bodies at 1 MiB. Submit payloads (host
// selectors, build steps, template parameters) stay far below this.
const maxBodyBytes int64 = 1 << 20

// limitRequestBody rejects POST/PUT/PATCH requests whose declared length
// exceeds the cap and wraps every write body in http.MaxBytesReader so
// chunked uploads cannot stream past it either.
func limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if r.ContentLength > maxBodyBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds 1 MiB")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
