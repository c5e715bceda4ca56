package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/playwright-community/playwright-go"

	"portalbridge/internal/core/failure"
	"portalbridge/internal/logger"
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"data":  true,
	"about": true,
	"blob":  true,
}

// AllowedScheme reports whether the driven page may navigate to or load raw.
// Relative URLs resolve against the page and are allowed.
func AllowedScheme(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		i := strings.Index(raw, ":")
		if i <= 0 {
			return true
		}
		return allowedSchemes[strings.ToLower(raw[:i])]
	}
	if u.Scheme == "" {
		return true
	}
	return allowedSchemes[strings.ToLower(u.Scheme)]
}

const guardBinding = "__portalbridgeBlocked"

// guardScript runs before any page script. It rewrites anchors, forms and
// src/href attributes that use a disallowed scheme and intercepts window.open.
const guardScript = `(() => {
	const allowed = ['http:', 'https:', 'data:', 'about:', 'blob:'];
	const ok = (value) => {
		if (!value) return true;
		try {
			return allowed.includes(new URL(value, document.baseURI).protocol);
		} catch (e) {
			return true;
		}
	};
	const report = (kind, value) => {
		try {
			if (window.` + guardBinding + `) window.` + guardBinding + `(kind, String(value));
		} catch (e) {}
	};
	const scrub = (el) => {
		if (!el || !el.getAttribute) return;
		for (const attr of ['href', 'src', 'action', 'formaction']) {
			const v = el.getAttribute(attr);
			if (v && !ok(v)) {
				report(el.tagName.toLowerCase() + '.' + attr, v);
				el.setAttribute(attr, 'about:blank');
			}
		}
	};
	const sweep = (root) => {
		if (!root || !root.querySelectorAll) return;
		scrub(root);
		root.querySelectorAll('a[href], area[href], form[action], [src], [formaction]').forEach(scrub);
	};
	new MutationObserver((records) => {
		for (const r of records) {
			if (r.type === 'attributes') scrub(r.target);
			r.addedNodes && r.addedNodes.forEach(sweep);
		}
	}).observe(document, {subtree: true, childList: true, attributes: true, attributeFilter: ['href', 'src', 'action', 'formaction']});
	document.addEventListener('click', (ev) => {
		const a = ev.target && ev.target.closest && ev.target.closest('a[href]');
		if (a && !ok(a.getAttribute('href'))) {
			report('click', a.getAttribute('href'));
			ev.preventDefault();
			ev.stopPropagation();
		}
	}, true);
	document.addEventListener('submit', (ev) => {
		const f = ev.target;
		if (f && f.getAttribute && !ok(f.getAttribute('action'))) {
			report('submit', f.getAttribute('action'));
			ev.preventDefault();
		}
	}, true);
	const open = window.open;
	window.open = function (target, ...rest) {
		if (!ok(target)) {
			report('window.open', target);
			return null;
		}
		return open.call(window, target, ...rest);
	};
	document.addEventListener('DOMContentLoaded', () => sweep(document));
})();`

// blockedNavigation describes a navigation the guard refused. It is a guard
// failure: logged, never returned to the run.
func blockedNavigation(via, target string) error {
	return failure.New(failure.KindGuard, "navigation guard", fmt.Errorf("%s to %q blocked", via, target))
}

// installGuard wires the navigation guard into a browser context. Blocked
// navigations are expected behavior and only logged at warn level.
func installGuard(bctx playwright.BrowserContext, log *logger.Logger) error {
	if err := bctx.ExposeFunction(guardBinding, func(args ...interface{}) interface{} {
		via, target := "", ""
		if len(args) > 0 {
			via = fmt.Sprint(args[0])
		}
		if len(args) > 1 {
			target = fmt.Sprint(args[1])
		}
		log.Warn().Err(blockedNavigation(via, target)).Str("failure", string(failure.KindGuard)).
			Msg("navigation guard blocked a disallowed scheme")
		return nil
	}); err != nil {
		return err
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(guardScript)}); err != nil {
		return err
	}
	return bctx.Route("**/*", func(route playwright.Route) {
		u := route.Request().URL()
		if !AllowedScheme(u) {
			log.Warn().Err(blockedNavigation("request", u)).Str("failure", string(failure.KindGuard)).
				Msg("navigation guard aborted request")
			_ = route.Abort("blockedbyclient")
			return
		}
		_ = route.Continue()
	})
}
