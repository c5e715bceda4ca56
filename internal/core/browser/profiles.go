package browser

import "math/rand"

// Profile is a coherent set of request headers for one desktop browser.
type Profile struct {
	UserAgent       string
	Accept          string
	AcceptLanguage  string
	SecChUa         string
	SecChUaMobile   string
	SecChUaPlatform string
}

// Portals are desktop-only, so only desktop profiles are kept.
var desktopProfiles = []Profile{
	{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		SecChUa:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecChUaMobile:   "?0",
		SecChUaPlatform: `"Windows"`,
	},
	{
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		SecChUa:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecChUaMobile:   "?0",
		SecChUaPlatform: `"macOS"`,
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		Accept:    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	},
}

// PickProfile returns a random desktop profile speaking the given
// Accept-Language value.
func PickProfile(r *rand.Rand, acceptLanguage string) Profile {
	var p Profile
	if r == nil {
		p = desktopProfiles[rand.Intn(len(desktopProfiles))]
	} else {
		p = desktopProfiles[r.Intn(len(desktopProfiles))]
	}
	p.AcceptLanguage = acceptLanguage
	if p.AcceptLanguage == "" {
		p.AcceptLanguage = "es-ES,es;q=0.9,en;q=0.8"
	}
	return p
}

// Headers returns the extra headers sent with every request of a session.
// User-Agent is set separately on the context.
func (p Profile) Headers() map[string]string {
	h := map[string]string{
		"Accept":          p.Accept,
		"Accept-Language": p.AcceptLanguage,
	}
	if p.SecChUa != "" {
		h["Sec-CH-UA"] = p.SecChUa
		h["Sec-CH-UA-Mobile"] = p.SecChUaMobile
		h["Sec-CH-UA-Platform"] = p.SecChUaPlatform
	}
	return h
}
