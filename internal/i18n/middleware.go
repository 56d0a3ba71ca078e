package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// Middleware injects a localizer into every request context. The language
// comes from the Accept-Language header when a matching locale is loaded,
// and falls back to lang.
func Middleware(lang string) func(http.Handler) http.Handler {
	matcher := language.NewMatcher(Supported())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			langs := []string{lang}
			if accept := r.Header.Get("Accept-Language"); accept != "" {
				tags, _, err := language.ParseAcceptLanguage(accept)
				if err == nil && len(tags) > 0 {
					tag, _, conf := matcher.Match(tags...)
					if conf != language.No {
						base, _ := tag.Base()
						langs = append([]string{base.String()}, langs...)
					}
				}
			}
			ctx := WithLocalizer(r.Context(), NewLocalizer(langs...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
