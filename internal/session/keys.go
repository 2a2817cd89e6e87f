package session

import (
	"fmt"
	"strings"
)

// Modifier is one of the four held-modifier flags a Session tracks across
// keydown/keyup calls.
type Modifier string

const (
	ModCtrl  Modifier = "Ctrl"
	ModAlt   Modifier = "Alt"
	ModShift Modifier = "Shift"
	ModMeta  Modifier = "Meta"
)

func parseModifier(name string) (Modifier, bool) {
	switch name {
	case string(ModCtrl):
		return ModCtrl, true
	case string(ModAlt):
		return ModAlt, true
	case string(ModShift):
		return ModShift, true
	case string(ModMeta):
		return ModMeta, true
	default:
		return "", false
	}
}

var namedKeys = map[string]string{
	"Enter":     "\r",
	"Tab":       "\t",
	"Backspace": "\x7f",
	"Delete":    "\x1b[3~",
	"Escape":    "\x1b",
	"ArrowUp":   "\x1b[A",
	"ArrowDown": "\x1b[B",
	"ArrowLeft": "\x1b[D",
	"ArrowRight": "\x1b[C",
	"Home":      "\x1b[H",
	"End":       "\x1b[F",
	"PageUp":    "\x1b[5~",
	"PageDown":  "\x1b[6~",
	"Insert":    "\x1b[2~",
	"F1":  "\x1bOP",
	"F2":  "\x1bOQ",
	"F3":  "\x1bOR",
	"F4":  "\x1bOS",
	"F5":  "\x1b[15~",
	"F6":  "\x1b[17~",
	"F7":  "\x1b[18~",
	"F8":  "\x1b[19~",
	"F9":  "\x1b[20~",
	"F10": "\x1b[21~",
	"F11": "\x1b[23~",
	"F12": "\x1b[24~",
}

// ErrInvalidKey is returned for unrecognized key names, modifier names, or
// multi-character "printable" key names that aren't single runes.
type ErrInvalidKey struct {
	Name string
}

func (e *ErrInvalidKey) Error() string {
	return fmt.Sprintf("session: invalid key name %q", e.Name)
}

// resolveKey translates a key name (optionally prefixed by a chain of
// "Ctrl+"/"Alt+"/"Shift+"/"Meta+" modifiers) plus the session's currently
// held modifiers into the ANSI byte sequence to write to the PTY.
func resolveKey(name string, held map[Modifier]bool) (string, error) {
	inline := map[Modifier]bool{}
	rest := name
	for {
		idx := strings.IndexByte(rest, '+')
		if idx < 0 {
			break
		}
		prefix := rest[:idx]
		mod, ok := parseModifier(prefix)
		if !ok {
			break
		}
		inline[mod] = true
		rest = rest[idx+1:]
	}
	if rest == "" {
		return "", &ErrInvalidKey{Name: name}
	}

	seq, isNamed := namedKeys[rest]
	if !isNamed {
		runes := []rune(rest)
		if len(runes) != 1 {
			return "", &ErrInvalidKey{Name: name}
		}
		seq = string(runes[0])
	}

	effective := map[Modifier]bool{}
	for m, v := range held {
		if v {
			effective[m] = true
		}
	}
	for m := range inline {
		effective[m] = true
	}

	return applyModifiers(seq, effective, isNamed), nil
}

// applyModifiers composes held/inline modifiers onto a resolved byte
// sequence. Ctrl on a single printable ASCII letter maps to the
// corresponding control code; Alt prefixes ESC; Shift/Meta on named
// sequences or already-uppercase letters are no-ops at the byte level
// since the terminal has no separate shift-state channel over a raw PTY.
func applyModifiers(seq string, mods map[Modifier]bool, isNamed bool) string {
	out := seq
	if mods[ModShift] && !isNamed && len(out) == 1 && out[0] >= 'a' && out[0] <= 'z' {
		out = strings.ToUpper(out)
	}
	if mods[ModCtrl] && !isNamed && len(out) == 1 {
		c := out[0]
		upper := c
		if upper >= 'a' && upper <= 'z' {
			upper -= 'a' - 'A'
		}
		if upper >= '@' && upper <= '_' {
			out = string(rune(upper - '@'))
		}
	}
	if mods[ModAlt] {
		out = "\x1b" + out
	}
	return out
}

// translateScroll expands a scroll direction into `amount` repeats of the
// matching arrow-key byte sequence. Unknown directions are InvalidInput;
// amount <= 0 is a no-op yielding an empty string.
func translateScroll(direction string, amount int) (string, error) {
	if amount <= 0 {
		return "", nil
	}
	var seq string
	switch direction {
	case "Up":
		seq = namedKeys["ArrowUp"]
	case "Down":
		seq = namedKeys["ArrowDown"]
	case "Left":
		seq = namedKeys["ArrowLeft"]
	case "Right":
		seq = namedKeys["ArrowRight"]
	default:
		return "", &ErrInvalidKey{Name: direction}
	}
	return strings.Repeat(seq, amount), nil
}
