package i18n

import "net/http"

// Middleware puts a printer for the request's language into its context. A
// lang query parameter wins over Accept-Language.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pref := r.URL.Query().Get("lang")
		if pref == "" {
			pref = r.Header.Get("Accept-Language")
		}
		tag := MatchLanguage(pref)
		w.Header().Set("Content-Language", tag.String())
		w.Header().Add("Vary", "Accept-Language")

		next.ServeHTTP(w, r.WithContext(WithPrinter(r.Context(), NewPrinter(tag))))
	})
}
