// Package translate adapts the broker to the external translation catalog
// (C6, §4.6). The catalog's content and lookup logic are out of scope
// (§1); this package owns only the boundary: setting/restoring the
// process-wide locale for the duration of one call, and the two legacy
// message-rewriting rules §4.5 requires of get_test_results.
package translate

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"github.com/zonemaster/broker/internal/store"
)

// Translator turns a ResultEntry into a localized message string.
type Translator interface {
	// Translate renders entry's message in locale. The caller (rpcserver)
	// is responsible for the process-wide locale scoping described on
	// Catalog; implementations may assume locale is already the active
	// one by the time Translate is called.
	Translate(entry store.ResultEntry, locale string) (string, error)
}

// Catalog is a Translator backed by an operator-configured message map
// (the broker's stand-in for the external catalog, §1). It serializes
// get_test_results calls through a single mutex for the duration of the
// locale switch, per §9's "serialize through a mutex" guidance — the
// simplest faithful option given the catalog format here has no
// per-call locale argument.
type Catalog struct {
	mu       sync.Mutex
	messages map[string]map[string]string // messages[locale][module/tag] = template
	locales  map[string]struct{}
	current  string
}

// NewCatalog builds a Catalog from operator-configured locales and a
// module/tag -> template message map per locale. An empty messages map is
// valid — untranslated source form falls back automatically.
func NewCatalog(locales []string, messages map[string]map[string]string) *Catalog {
	c := &Catalog{
		messages: messages,
		locales:  make(map[string]struct{}, len(locales)),
	}
	for _, l := range locales {
		c.locales[l] = struct{}{}
	}
	return c
}

// WithLocale sets the process-wide active locale for the duration of fn
// and restores the prior value on every exit path (§4.6, §5). A locale
// that is neither configured nor parseable as a language tag cannot be
// set; that is a hard error for the call and fn is not invoked.
func (c *Catalog) WithLocale(locale string, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.locales[locale]; !ok {
		if _, err := language.Parse(locale); err != nil {
			return fmt.Errorf("translate: cannot set locale %q: %w", locale, err)
		}
	}

	prior := c.current
	c.current = locale

	defer func() { c.current = prior }()

	return fn()
}

// Translate renders entry's message using the active locale's catalog
// entry for "module/tag", falling back to an untranslated source form
// ("MODULE:TAG") when no translation exists — matching §4.1's rule that an
// invalid/missing translation falls back to source form rather than
// failing the call.
func (c *Catalog) Translate(entry store.ResultEntry, locale string) (string, error) {
	if perLocale, ok := c.messages[locale]; ok {
		if msg, ok := perLocale[entry.Module+"/"+entry.Tag]; ok {
			return msg, nil
		}
	}

	return fmt.Sprintf("%s:%s", entry.Module, entry.Tag), nil
}

// Legacy path labels substituted into translated messages by
// RewriteLegacyMessages (§4.5).
const (
	policyJSONLabel = "the policy configuration file"
	configJSONLabel = "the broker configuration file"
)

// RewriteLegacyMessages applies §4.5's two message post-processing rules
// and entry-dropping rule to a translated result set, returning the
// filtered, rewritten slice. Order is preserved for all surviving entries.
func RewriteLegacyMessages(entries []TranslatedEntry) []TranslatedEntry {
	out := make([]TranslatedEntry, 0, len(entries))

	for _, e := range entries {
		if e.Module == "SYSTEM" && e.Tag == "POLICY_DISABLED" {
			if name, ok := e.Args["name"]; ok && name == "Example" {
				continue
			}
		}

		e.Message = rewritePathMentions(e.Message)
		out = append(out, e)
	}

	return out
}

// TranslatedEntry is a ResultEntry after translation, ready for the
// get_test_results response shape (§6).
type TranslatedEntry struct {
	Module  string
	Tag     string
	Args    map[string]any
	Level   store.Level
	Message string
	NS      string
}

func rewritePathMentions(message string) string {
	message = strings.ReplaceAll(message, "policy.json", policyJSONLabel)
	message = strings.ReplaceAll(message, "config.json", configJSONLabel)
	return message
}
