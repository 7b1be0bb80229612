// Package locale generates localized strings from CSV translation
// files.
//
// Translation files live in a directory as LOCALE.csv (e.g. es_GT.csv)
// with two or three columns: message, translation and an optional
// plural indicator ("singular", "plural" or "unknown"). Messages may
// contain %(name)s placeholders filled in with Format.
//
// A Registry maps locale codes to loaded translations. Get returns the
// closest supported match, falling back to the default locale.
package locale

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/galehq/gale/internal/obs"
)

const (
	pluralSingular = "singular"
	pluralPlural   = "plural"
	pluralUnknown  = "unknown"

	// DefaultLocale is used when no translation matches.
	DefaultLocale = "en_US"
)

var localeFileRE = regexp.MustCompile(`^[a-z]+(_[A-Z]+)?$`)

// Registry holds loaded translations and resolves locale lookups.
type Registry struct {
	Logger obs.Logger

	mu           sync.RWMutex
	defaultCode  string
	translations map[string]map[string]map[string]string // code -> plural -> msg -> tr
	cache        map[string]*Locale
}

// NewRegistry returns an empty registry defaulting to en_US.
func NewRegistry() *Registry {
	return &Registry{
		defaultCode:  DefaultLocale,
		translations: make(map[string]map[string]map[string]string),
		cache:        make(map[string]*Locale),
	}
}

// SetDefaultLocale changes the fallback locale. The default locale is
// assumed to be the language the source strings are written in, so it
// needs no translation file.
func (r *Registry) SetDefaultLocale(code string) {
	r.mu.Lock()
	r.defaultCode = code
	r.cache = make(map[string]*Locale)
	r.mu.Unlock()
}

// LoadTranslations reads every LOCALE.csv in dir, replacing previously
// loaded data. Files may be UTF-8, UTF-8 with BOM or UTF-16 (detected
// by BOM). Malformed rows are skipped with a log entry.
func (r *Registry) LoadTranslations(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	loaded := make(map[string]map[string]map[string]string)
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		code := strings.TrimSuffix(name, ".csv")
		if !localeFileRE.MatchString(code) {
			r.logf(obs.Error, "unrecognized locale %q (path: %s)", code, filepath.Join(dir, name))
			continue
		}
		table, err := r.loadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("locale: load %s: %w", name, err)
		}
		loaded[code] = table
	}
	r.mu.Lock()
	r.translations = loaded
	r.cache = make(map[string]*Locale)
	codes := r.supportedLocked()
	r.mu.Unlock()
	r.logf(obs.Debug, "supported locales: %v", codes)
	return nil
}

func (r *Registry) loadFile(path string) (map[string]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	// BOMOverride decodes UTF-16 when a BOM is present and strips a
	// UTF-8 BOM, which Excel likes to emit.
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	rd := csv.NewReader(transform.NewReader(f, dec))
	rd.FieldsPerRecord = -1

	table := make(map[string]map[string]string)
	line := 0
	for {
		line++
		row, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) < 2 {
			continue
		}
		msg := strings.TrimSpace(row[0])
		tr := strings.TrimSpace(row[1])
		plural := pluralUnknown
		if len(row) > 2 && strings.TrimSpace(row[2]) != "" {
			plural = strings.TrimSpace(row[2])
		}
		if plural != pluralSingular && plural != pluralPlural && plural != pluralUnknown {
			r.logf(obs.Error, "unrecognized plural indicator %q in %s line %d", plural, filepath.Base(path), line)
			continue
		}
		if table[plural] == nil {
			table[plural] = make(map[string]string)
		}
		table[plural][msg] = tr
	}
	return table, nil
}

// Supported returns the sorted list of locale codes with translations,
// always including the default locale.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supportedLocked()
}

func (r *Registry) supportedLocked() []string {
	codes := make([]string, 0, len(r.translations)+1)
	seen := map[string]bool{}
	for c := range r.translations {
		codes = append(codes, c)
		seen[c] = true
	}
	if !seen[r.defaultCode] {
		codes = append(codes, r.defaultCode)
	}
	sort.Strings(codes)
	return codes
}

func (r *Registry) isSupported(code string) bool {
	if code == r.defaultCode {
		return true
	}
	_, ok := r.translations[code]
	return ok
}

// Get resolves the closest matching locale; see GetClosest.
func (r *Registry) Get(codes ...string) *Locale {
	return r.GetClosest(codes...)
}

// GetClosest returns the closest match for the given locale codes,
// tried in order. "en-us" and "en_US" are equivalent, and "en" matches
// "en_US" style codes by language prefix. Falls back to the default
// locale.
func (r *Registry) GetClosest(codes ...string) *Locale {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, code := range codes {
		if code == "" {
			continue
		}
		code = strings.ReplaceAll(code, "-", "_")
		parts := strings.Split(code, "_")
		if len(parts) > 2 {
			continue
		}
		if len(parts) == 2 {
			code = strings.ToLower(parts[0]) + "_" + strings.ToUpper(parts[1])
		}
		if r.isSupported(code) {
			return r.getLocked(code)
		}
		if lang := strings.ToLower(parts[0]); r.isSupported(lang) {
			return r.getLocked(lang)
		}
	}
	return r.getLocked(r.defaultCode)
}

func (r *Registry) getLocked(code string) *Locale {
	if l, ok := r.cache[code]; ok {
		return l
	}
	l := newLocale(code, r.translations[code])
	r.cache[code] = l
	return l
}

func (r *Registry) logf(level obs.Level, format string, args ...interface{}) {
	lg := r.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

var defaultRegistry = NewRegistry()

// LoadTranslations loads CSV translations into the default registry.
func LoadTranslations(dir string) error { return defaultRegistry.LoadTranslations(dir) }

// SetDefaultLocale sets the default registry's fallback locale.
func SetDefaultLocale(code string) { defaultRegistry.SetDefaultLocale(code) }

// Get resolves a locale from the default registry.
func Get(codes ...string) *Locale { return defaultRegistry.Get(codes...) }

// GetClosest resolves the closest supported locale from the default registry.
func GetClosest(codes ...string) *Locale { return defaultRegistry.GetClosest(codes...) }

// Supported lists the default registry's locale codes.
func Supported() []string { return defaultRegistry.Supported() }

// Locale represents one locale and its translation table. Obtain one
// from Registry.Get.
type Locale struct {
	Code string
	// RTL reports right-to-left scripts (Farsi, Arabic, Hebrew).
	RTL bool

	translations map[string]map[string]string
	months       [12]string
	weekdays     [7]string
}

func newLocale(code string, translations map[string]map[string]string) *Locale {
	l := &Locale{Code: code, translations: translations}
	for _, prefix := range []string{"fa", "ar", "he"} {
		if strings.HasPrefix(code, prefix) {
			l.RTL = true
			break
		}
	}
	months := []string{
		"January", "February", "March", "April", "May", "June",
		"July", "August", "September", "October", "November", "December",
	}
	for i, m := range months {
		l.months[i] = l.Translate(m)
	}
	weekdays := []string{
		"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
	}
	for i, d := range weekdays {
		l.weekdays[i] = l.Translate(d)
	}
	return l
}

// Translate returns the translation for message, or message itself
// when no translation is loaded.
func (l *Locale) Translate(message string) string {
	return l.lookup(pluralUnknown, message)
}

// TranslatePlural picks message when count == 1 and pluralMessage
// otherwise, translating through the singular/plural tables.
func (l *Locale) TranslatePlural(message, pluralMessage string, count int) string {
	if count != 1 {
		return l.lookup(pluralPlural, pluralMessage)
	}
	return l.lookup(pluralSingular, message)
}

func (l *Locale) lookup(plural, message string) string {
	if l.translations != nil {
		if table := l.translations[plural]; table != nil {
			if tr, ok := table[message]; ok {
				return tr
			}
		}
	}
	return message
}

var placeholderRE = regexp.MustCompile(`%\(([a-zA-Z0-9_]+)\)[sd]`)

// Format substitutes %(name)s and %(name)d placeholders from args.
// Unknown placeholders are left as-is.
func Format(msg string, args map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(msg, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := args[name]; ok {
			return v
		}
		return m
	})
}

// FormatDate renders a date in the locale, relative by default
// ("2 minutes ago"). Dates are interpreted as UTC; gmtOffset is the
// viewer's offset west of GMT in minutes. Future dates use the full
// format. Set shorter to drop the time of day, fullFormat to force the
// absolute form.
func (l *Locale) FormatDate(date time.Time, gmtOffset int, relative, shorter, fullFormat bool) string {
	date = date.UTC()
	now := time.Now().UTC()
	if date.After(now) {
		if relative && date.Sub(now) < time.Minute {
			// Clock skew: treat the immediate future as now.
			date = now
		} else {
			fullFormat = true
		}
	}
	localDate := date.Add(-time.Duration(gmtOffset) * time.Minute)
	localNow := now.Add(-time.Duration(gmtOffset) * time.Minute)
	localYesterday := localNow.Add(-24 * time.Hour)
	diff := now.Sub(date)
	days := int(diff.Hours() / 24)
	seconds := int(diff.Seconds()) - days*86400

	format := ""
	if !fullFormat {
		switch {
		case relative && days == 0 && seconds < 50:
			return Format(l.TranslatePlural("1 second ago", "%(seconds)d seconds ago", seconds),
				map[string]string{"seconds": strconv.Itoa(seconds)})
		case relative && days == 0 && seconds < 50*60:
			minutes := int(math.Round(float64(seconds) / 60.0))
			return Format(l.TranslatePlural("1 minute ago", "%(minutes)d minutes ago", minutes),
				map[string]string{"minutes": strconv.Itoa(minutes)})
		case relative && days == 0:
			hours := int(math.Round(float64(seconds) / 3600.0))
			return Format(l.TranslatePlural("1 hour ago", "%(hours)d hours ago", hours),
				map[string]string{"hours": strconv.Itoa(hours)})
		case days == 0:
			format = l.Translate("%(time)s")
		case days == 1 && localDate.Day() == localYesterday.Day() && relative:
			if shorter {
				format = l.Translate("yesterday")
			} else {
				format = l.Translate("yesterday at %(time)s")
			}
		case days < 5:
			if shorter {
				format = l.Translate("%(weekday)s")
			} else {
				format = l.Translate("%(weekday)s at %(time)s")
			}
		case days < 334: // about 11 months; same month last year reads confusingly
			if shorter {
				format = l.Translate("%(month_name)s %(day)s")
			} else {
				format = l.Translate("%(month_name)s %(day)s at %(time)s")
			}
		}
	}
	if format == "" {
		if shorter {
			format = l.Translate("%(month_name)s %(day)s, %(year)s")
		} else {
			format = l.Translate("%(month_name)s %(day)s, %(year)s at %(time)s")
		}
	}

	strTime := l.formatTime(localDate)
	return Format(format, map[string]string{
		"month_name": l.months[int(localDate.Month())-1],
		"weekday":    l.weekdays[mondayIndex(localDate.Weekday())],
		"day":        strconv.Itoa(localDate.Day()),
		"year":       strconv.Itoa(localDate.Year()),
		"time":       strTime,
	})
}

func (l *Locale) formatTime(t time.Time) string {
	hour, min := t.Hour(), t.Minute()
	switch {
	case l.Code == "zh_CN":
		half := "上午" // AM
		if hour >= 12 {
			half = "下午" // PM
		}
		return fmt.Sprintf("%s%d:%02d", half, hour12(hour), min)
	case l.Code == "en" || l.Code == "en_US":
		half := "am"
		if hour >= 12 {
			half = "pm"
		}
		return fmt.Sprintf("%d:%02d %s", hour12(hour), min, half)
	default:
		return fmt.Sprintf("%d:%02d", hour, min)
	}
}

func hour12(h int) int {
	if h%12 == 0 {
		return 12
	}
	return h % 12
}

func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// FormatDay renders a date as a day of week, e.g. "Monday, January 22".
// Set dow false to drop the weekday.
func (l *Locale) FormatDay(date time.Time, gmtOffset int, dow bool) string {
	localDate := date.UTC().Add(-time.Duration(gmtOffset) * time.Minute)
	args := map[string]string{
		"month_name": l.months[int(localDate.Month())-1],
		"day":        strconv.Itoa(localDate.Day()),
	}
	if dow {
		args["weekday"] = l.weekdays[mondayIndex(localDate.Weekday())]
		return Format(l.Translate("%(weekday)s, %(month_name)s %(day)s"), args)
	}
	return Format(l.Translate("%(month_name)s %(day)s"), args)
}

// List joins parts into a human list: "A, B and C", "A and B" or "A".
func (l *Locale) List(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	comma := ", "
	if strings.HasPrefix(l.Code, "fa") {
		comma = " و "
	}
	return Format(l.Translate("%(commas)s and %(last)s"), map[string]string{
		"commas": strings.Join(parts[:len(parts)-1], comma),
		"last":   parts[len(parts)-1],
	})
}

// FriendlyNumber renders an integer with thousands separators for
// English locales and unchanged for all others.
func (l *Locale) FriendlyNumber(value int64) string {
	s := strconv.FormatInt(value, 10)
	if l.Code != "en" && l.Code != "en_US" {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 0 {
		i := len(s) - 3
		if i < 0 {
			i = 0
		}
		parts = append([]string{s[i:]}, parts...)
		s = s[:i]
	}
	out := strings.Join(parts, ",")
	if neg {
		out = "-" + out
	}
	return out
}
