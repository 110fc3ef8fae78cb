// Package parser decodes one combat log line into a logevent.CombatEvent.
//
// Grounded on original_source/src/parser.rs, which uses nom combinators
// over &str to decode the timestamp (and defaults every other field).
// The original never validates UTF-8 and treats the file as Latin-1
// passthrough; we keep that contract but work over []byte instead of
// &str so interning can happen straight off the line buffer with no
// intermediate string allocation on the hit path (see pkg/interner).
// Structural scanning uses single-byte search (bytes.IndexByte), never a
// regex or UTF-8 decode, per the spec's zero-copy / parallelizable
// requirement.
//
// Numeric payload grammar (spec §4.2 item 6 is described only in prose;
// this is the concrete grammar this parser implements, chosen to
// resolve that ambiguity — see DESIGN.md):
//
//	payload := '(' [ charges 'x' ] primary [ '*' ] [ '(' effective ')' ]
//	           [ '(reflected)' ] [ '<' reductionTypeID ':' reductionClassID ':' damageReduced '>' ] ')'
//
// primary is routed to Damage/EffectiveDamage unless the effect name or
// effect-type name contains "heal" (case-insensitive), in which case it
// is routed to Heal/EffectiveHeal. A sub-field that fails to parse
// defaults to zero without failing the whole line (NumericFieldInvalid);
// only a structural failure (unbalanced brackets, a malformed timestamp,
// a missing source entity) skips the whole line (LineMalformed).
package parser

import (
	"bytes"

	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
	pipelineerrors "combatlog/pkg/errors"
)

// Parser decodes lines against a shared Interner.
type Parser struct {
	in *interner.Interner
}

// New creates a Parser backed by in. Passing nil uses the process-wide
// global interner.
func New(in *interner.Interner) *Parser {
	if in == nil {
		in = interner.Global()
	}
	return &Parser{in: in}
}

// ParseLine decodes line (without its trailing '\n') into a CombatEvent.
// A structural failure returns (zero-value, err) with err wrapping
// pipelineerrors.CodeLineMalformed; callers should increment a
// dropped-line counter and continue with the next line, never abort the
// file.
func (p *Parser) ParseLine(lineNumber int, line []byte) (logevent.CombatEvent, error) {
	var ev logevent.CombatEvent
	ev.LineNumber = lineNumber

	rest := line

	ts, r, ok := scanTimestamp(rest)
	if !ok {
		return ev, pipelineerrors.New(pipelineerrors.CodeLineMalformed, "parser", "timestamp")
	}
	ev.Timestamp = ts
	rest = skipSpace(r)

	srcContent, r, ok := scanBracket(rest)
	if !ok {
		return ev, pipelineerrors.New(pipelineerrors.CodeLineMalformed, "parser", "source_entity")
	}
	srcEntity, _ := p.decodeEntity(srcContent)
	ev.Source = srcEntity
	rest = skipSpace(r)

	// Every remaining segment is optional: the line may end here (§8
	// scenario B parses successfully with only a source entity).
	if len(rest) == 0 {
		return ev, nil
	}

	if rest[0] == '[' {
		tgtContent, r, ok := scanBracket(rest)
		if ok {
			tgt, isNone := p.decodeEntity(tgtContent)
			if !isNone {
				ev.Target = &tgt
			}
			rest = skipSpace(r)
		} else {
			return ev, pipelineerrors.New(pipelineerrors.CodeLineMalformed, "parser", "target_entity")
		}
	}
	if len(rest) == 0 {
		return ev, nil
	}

	if rest[0] == '[' {
		actContent, r, ok := scanBracket(rest)
		if ok {
			ev.Action = p.decodeAction(actContent)
			rest = skipSpace(r)
		} else {
			return ev, pipelineerrors.New(pipelineerrors.CodeLineMalformed, "parser", "action")
		}
	}
	if len(rest) == 0 {
		return ev, nil
	}

	var effectIsHeal bool
	if rest[0] == '[' {
		effContent, r, ok := scanBracket(rest)
		if ok {
			ev.Effect, effectIsHeal = p.decodeEffect(effContent)
			rest = skipSpace(r)
		} else {
			return ev, pipelineerrors.New(pipelineerrors.CodeLineMalformed, "parser", "effect")
		}
	}
	if len(rest) == 0 {
		return ev, nil
	}

	if rest[0] == '(' {
		payload, r, ok := scanParen(rest)
		if ok {
			decodeNumericPayload(payload, effectIsHeal, &ev)
			rest = skipSpace(r)
		}
	}

	if len(rest) > 0 {
		if v, ok := scanFloat(rest); ok {
			ev.Threat = v
		}
	}

	return ev, nil
}

func skipSpace(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == ' ' {
		i++
	}
	return b[i:]
}

// scanBracket extracts the content between a leading '[' and its
// matching ']' (no nesting is defined for entity/action/effect
// segments), returning the content, the remainder after ']', and
// whether the brackets were well-formed.
func scanBracket(b []byte) (content, rest []byte, ok bool) {
	if len(b) == 0 || b[0] != '[' {
		return nil, b, false
	}
	end := bytes.IndexByte(b[1:], ']')
	if end < 0 {
		return nil, b, false
	}
	end++ // account for the slice offset
	return b[1:end], b[end+1:], true
}

// scanParen extracts the content of a possibly-nested parenthesized
// group starting at b[0] == '(', tracking depth so the numeric payload's
// own nested "(effective)" / "(reflected)" groups don't terminate the
// outer scan early.
func scanParen(b []byte) (content, rest []byte, ok bool) {
	if len(b) == 0 || b[0] != '(' {
		return nil, b, false
	}
	depth := 0
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return b[1:i], b[i+1:], true
			}
		}
	}
	return nil, b, false
}

// scanTimestamp decodes the fixed 14-byte "[HH:MM:SS.mmm]" positional
// field. Any positional byte outside its expected alphabet is a
// structural failure.
func scanTimestamp(b []byte) (logevent.Timestamp, []byte, bool) {
	const width = 14 // '[' HH ':' MM ':' SS '.' mmm ']'
	if len(b) < width || b[0] != '[' || b[13] != ']' ||
		b[3] != ':' || b[6] != ':' || b[9] != '.' {
		return logevent.Timestamp{}, b, false
	}
	hour, ok1 := digits2(b[1], b[2])
	minute, ok2 := digits2(b[4], b[5])
	second, ok3 := digits2(b[7], b[8])
	millis, ok4 := digits3(b[10], b[11], b[12])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return logevent.Timestamp{}, b, false
	}
	return logevent.Timestamp{
		Hour:   uint8(hour),
		Minute: uint8(minute),
		Second: uint8(second),
		Millis: uint16(millis),
	}, b[width:], true
}

func digit(c byte) (int, bool) {
	if c < '0' || c > '9' {
		return 0, false
	}
	return int(c - '0'), true
}

func digits2(a, b byte) (int, bool) {
	da, ok1 := digit(a)
	db, ok2 := digit(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	return da*10 + db, true
}

func digits3(a, b, c byte) (int, bool) {
	da, ok1 := digit(a)
	db, ok2 := digit(b)
	dc, ok3 := digit(c)
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}
	return da*100 + db*10 + dc, true
}

// decodeEntity decodes the content between an entity segment's brackets.
// isNone is true only for the literal "=" sentinel.
func (p *Parser) decodeEntity(content []byte) (ent logevent.Entity, isNone bool) {
	if len(content) == 0 {
		return logevent.Entity{Kind: logevent.KindEmpty}, false
	}
	if len(content) == 1 && content[0] == '=' {
		return logevent.Entity{Kind: logevent.KindEmpty}, true
	}

	if content[0] == '@' {
		if slash := bytes.IndexByte(content, '/'); slash >= 0 {
			return p.decodeCompanion(content[slash+1:]), false
		}
		return p.decodePlayer(content), false
	}

	if bytes.IndexByte(content, '{') >= 0 {
		return p.decodeNpc(content), false
	}

	return logevent.Entity{Kind: logevent.KindEmpty}, false
}

// decodePlayer decodes "@Name#LogID".
func (p *Parser) decodePlayer(content []byte) logevent.Entity {
	hash := bytes.IndexByte(content, '#')
	if hash < 0 {
		return logevent.Entity{Kind: logevent.KindEmpty}
	}
	name := content[1:hash]
	logID, _ := parseInt64(content[hash+1:])
	return logevent.Entity{
		Name:  p.in.Intern(name),
		LogID: logID,
		Kind:  logevent.KindPlayer,
	}
}

// decodeCompanion decodes "Name {ClassID}:LogID" (the portion after the
// owner's "/"; the owner identity itself is discarded per §4.2).
func (p *Parser) decodeCompanion(content []byte) logevent.Entity {
	ent := p.decodeNpcLike(content)
	ent.Kind = logevent.KindCompanion
	return ent
}

// decodeNpc decodes "Name {ClassID}:LogID".
func (p *Parser) decodeNpc(content []byte) logevent.Entity {
	ent := p.decodeNpcLike(content)
	ent.Kind = logevent.KindNpc
	return ent
}

func (p *Parser) decodeNpcLike(content []byte) logevent.Entity {
	brace := bytes.IndexByte(content, '{')
	if brace < 0 {
		return logevent.Entity{Kind: logevent.KindEmpty}
	}
	name := bytes.TrimRight(content[:brace], " ")
	rest := content[brace+1:]
	closeBrace := bytes.IndexByte(rest, '}')
	if closeBrace < 0 {
		return logevent.Entity{Name: p.in.Intern(name)}
	}
	classID, _ := parseInt64(rest[:closeBrace])
	tail := rest[closeBrace+1:]
	var logID int64
	if len(tail) > 0 && tail[0] == ':' {
		logID, _ = parseInt64(tail[1:])
	}
	return logevent.Entity{
		Name:    p.in.Intern(name),
		ClassID: classID,
		LogID:   logID,
	}
}

// decodeAction decodes "name {stable_id}:session_id"; empty content
// means no action.
func (p *Parser) decodeAction(content []byte) *logevent.ActionRef {
	if len(content) == 0 {
		return nil
	}
	brace := bytes.IndexByte(content, '{')
	if brace < 0 {
		return &logevent.ActionRef{Name: p.in.Intern(bytes.TrimRight(content, " "))}
	}
	name := bytes.TrimRight(content[:brace], " ")
	rest := content[brace+1:]
	closeBrace := bytes.IndexByte(rest, '}')
	var id int64
	if closeBrace >= 0 {
		id, _ = parseInt64(rest[:closeBrace])
	}
	return &logevent.ActionRef{ID: id, Name: p.in.Intern(name)}
}

// decodeEffect decodes "effect_type_name {effect_type_id}: effect_name
// {effect_id}"; empty content means no effect. isHeal reports whether
// either name contains "heal" case-insensitively, the heuristic used to
// route the numeric payload's primary value.
func (p *Parser) decodeEffect(content []byte) (*logevent.EffectRef, bool) {
	if len(content) == 0 {
		return nil, false
	}
	colon := bytes.IndexByte(content, ':')
	var typePart, namePart []byte
	if colon >= 0 {
		typePart = content[:colon]
		namePart = bytes.TrimLeft(content[colon+1:], " ")
	} else {
		typePart = content
	}

	typeName, typeID := splitBraceID(typePart)
	name, id := splitBraceID(namePart)

	isHeal := containsFold(typeName, "heal") || containsFold(name, "heal")

	return &logevent.EffectRef{
		TypeID:   typeID,
		TypeName: p.in.Intern(typeName),
		ID:       id,
		Name:     p.in.Intern(name),
	}, isHeal
}

func splitBraceID(b []byte) (name []byte, id int64) {
	if len(b) == 0 {
		return nil, 0
	}
	brace := bytes.IndexByte(b, '{')
	if brace < 0 {
		return bytes.TrimRight(b, " "), 0
	}
	name = bytes.TrimRight(b[:brace], " ")
	rest := b[brace+1:]
	closeBrace := bytes.IndexByte(rest, '}')
	if closeBrace < 0 {
		return name, 0
	}
	id, _ = parseInt64(rest[:closeBrace])
	return name, id
}

func containsFold(b []byte, sub string) bool {
	return bytes.Contains(bytes.ToLower(b), []byte(sub))
}

// decodeNumericPayload parses the "(...)" content per the grammar in the
// package doc comment, mutating ev. Every sub-field defaults to zero on
// parse failure rather than failing the line.
func decodeNumericPayload(payload []byte, isHeal bool, ev *logevent.CombatEvent) {
	rest := payload

	if x := bytes.IndexByte(rest, 'x'); x > 0 {
		if charges, ok := parseInt64(rest[:x]); ok {
			ev.Charges = charges
			rest = rest[x+1:]
		}
	}

	primaryEnd := digitRunEnd(rest)
	primary, _ := parseInt64(rest[:primaryEnd])
	rest = rest[primaryEnd:]

	if len(rest) > 0 && rest[0] == '*' {
		ev.IsCritical = true
		rest = rest[1:]
	}

	// Both the effective-value group and the "(reflected)" tag are
	// optional parenthesized groups that may appear in either order;
	// consume every leading paren group, classifying each by content.
	var effective int64
	for len(rest) > 0 && rest[0] == '(' {
		content, r, ok := scanParen(rest)
		if !ok {
			break
		}
		if string(content) == "reflected" {
			ev.IsReflected = true
		} else {
			effective, _ = parseInt64(content)
		}
		rest = r
	}

	if len(rest) > 0 && rest[0] == '<' {
		closeAngle := bytes.IndexByte(rest, '>')
		if closeAngle > 0 {
			parts := bytes.Split(rest[1:closeAngle], []byte(":"))
			if len(parts) == 3 {
				ev.ReductionTypeID, _ = parseInt64(parts[0])
				ev.ReductionClassID, _ = parseInt64(parts[1])
				dr := bytes.TrimSpace(parts[2])
				ev.DamageReduced, _ = parseInt64(dr[:digitRunEnd(dr)])
			}
			rest = rest[closeAngle+1:]
		}
	}

	if isHeal {
		ev.Heal = primary
		ev.EffectiveHeal = effective
	} else {
		ev.Damage = primary
		ev.EffectiveDamage = effective
	}
}

func digitRunEnd(b []byte) int {
	i := 0
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		i++
	}
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return i
}

func parseInt64(b []byte) (int64, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0, false
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i++
	} else if b[0] == '+' {
		i++
	}
	if i == len(b) {
		return 0, false
	}
	var v int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, false
		}
		v = v*10 + int64(b[i]-'0')
	}
	if neg {
		v = -v
	}
	return v, true
}

// scanFloat parses a (possibly signed, possibly decimal) float from the
// start of b, ignoring any trailing bytes.
func scanFloat(b []byte) (float64, bool) {
	i := 0
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		i++
	}
	start := i
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i < len(b) && b[i] == '.' {
		i++
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			i++
		}
	}
	if i == start {
		return 0, false
	}
	return parseFloat(b[:i])
}

func parseFloat(b []byte) (float64, bool) {
	neg := false
	i := 0
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		neg = b[0] == '-'
		i++
	}
	var intPart, fracPart int64
	var fracDigits int
	seenDigit := false
	for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
		intPart = intPart*10 + int64(b[i]-'0')
		seenDigit = true
	}
	if i < len(b) && b[i] == '.' {
		i++
		for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
			fracPart = fracPart*10 + int64(b[i]-'0')
			fracDigits++
			seenDigit = true
		}
	}
	if !seenDigit {
		return 0, false
	}
	v := float64(intPart)
	if fracDigits > 0 {
		div := 1.0
		for j := 0; j < fracDigits; j++ {
			div *= 10
		}
		v += float64(fracPart) / div
	}
	if neg {
		v = -v
	}
	return v, true
}
