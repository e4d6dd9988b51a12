package manifest

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/orizon-lang/witgen/internal/sema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token

	for i := 0; i < len(src); {
		r := rune(src[i])

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}

			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case strings.HasPrefix(src[i:], "=="):
			toks = append(toks, token{kind: tokPunct, text: "==", pos: i})
			i += 2
		case strings.ContainsRune("<>,.&():@", r):
			toks = append(toks, token{kind: tokPunct, text: string(r), pos: i})
			i++
		default:
			return nil, fmt.Errorf("unexpected %q at %d in %q", r, i, src)
		}
	}

	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// scope resolves names while parsing types: generic parameters of the
// enclosing signature, the protocol whose Self is in scope, and the
// module's declarations.
type scope struct {
	decls    *declarations
	params   map[string]*sema.Type
	sig      *sema.GenericSignature
	protocol *sema.ProtocolDecl
}

type typeParser struct {
	src  string
	toks []token
	pos  int
	sc   *scope
}

func (p *typeParser) peek() token { return p.toks[p.pos] }

func (p *typeParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}

	return t
}

func (p *typeParser) accept(text string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == text {
		p.pos++
		return true
	}

	return false
}

func (p *typeParser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s at %d in %q", fmt.Sprintf(format, args...), p.peek().pos, p.src)
}

func (p *typeParser) ident() (string, error) {
	t := p.next()
	if t.kind != tokIdent {
		return "", p.errorf("expected a name")
	}

	return t.text, nil
}

// parseType parses a complete type expression.
func (sc *scope) parseType(src string) (*sema.Type, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	p := &typeParser{src: src, toks: toks, sc: sc}

	t, err := p.composition()
	if err != nil {
		return nil, err
	}

	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}

	return t, nil
}

// composition := metatype ('&' metatype)*
func (p *typeParser) composition() (*sema.Type, error) {
	first, err := p.metatype()
	if err != nil {
		return nil, err
	}

	if p.peek().text != "&" {
		return first, nil
	}

	protos, err := existentialProtocols(first)
	if err != nil {
		return nil, p.errorf("%v", err)
	}

	for p.accept("&") {
		t, err := p.metatype()
		if err != nil {
			return nil, err
		}

		more, err := existentialProtocols(t)
		if err != nil {
			return nil, p.errorf("%v", err)
		}

		protos = append(protos, more...)
	}

	return sema.Existential(protos...), nil
}

func existentialProtocols(t *sema.Type) ([]*sema.ProtocolDecl, error) {
	if t.Kind != sema.KindExistential {
		return nil, fmt.Errorf("%s is not a protocol", t)
	}

	return t.Protocols, nil
}

// metatype := ['@' 'thin'] postfix
func (p *typeParser) metatype() (*sema.Type, error) {
	thin := false

	if p.accept("@") {
		word, err := p.ident()
		if err != nil || word != "thin" {
			return nil, p.errorf("expected @thin")
		}

		thin = true
	}

	t, err := p.postfix()
	if err != nil {
		return nil, err
	}

	if thin {
		if t.Kind != sema.KindMetatype {
			return nil, p.errorf("@thin applies to metatypes only")
		}

		t = sema.Metatype(t.Base, false)
	}

	return t, nil
}

// postfix := primary ('.' (Type | name))*
func (p *typeParser) postfix() (*sema.Type, error) {
	t, err := p.primary()
	if err != nil {
		return nil, err
	}

	for p.accept(".") {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}

		if name == "Type" {
			t = sema.Metatype(t, true)
			continue
		}

		assoc := p.sc.associatedType(t, name)
		if assoc == nil {
			return nil, p.errorf("%s has no associated type %s", t, name)
		}

		t = sema.Member(t, assoc)
	}

	return t, nil
}

// primary := name ['<' type (',' type)* '>'] | '(' type ')'
func (p *typeParser) primary() (*sema.Type, error) {
	if p.accept("(") {
		t, err := p.composition()
		if err != nil {
			return nil, err
		}

		if !p.accept(")") {
			return nil, p.errorf("expected )")
		}

		return t, nil
	}

	name, err := p.ident()
	if err != nil {
		return nil, err
	}

	switch {
	case name == "any":
		return p.metatype()
	case name == "Any":
		return sema.Existential(), nil
	case name == "Builtin":
		if !p.accept(".") {
			return nil, p.errorf("expected Builtin.<name>")
		}

		scalar, err := p.ident()
		if err != nil {
			return nil, err
		}

		return sema.Builtin(scalar), nil
	case name == "Self" && p.sc.protocol != nil:
		return p.sc.protocol.SelfType(), nil
	}

	if t, ok := p.sc.params[name]; ok {
		return t, nil
	}

	if proto := p.sc.decls.protocols[name]; proto != nil {
		return sema.Existential(proto), nil
	}

	decl := p.sc.decls.nominals[name]
	if decl == nil {
		return nil, p.errorf("unknown type %s", name)
	}

	var args []*sema.Type

	if p.accept("<") {
		for {
			arg, err := p.composition()
			if err != nil {
				return nil, err
			}

			args = append(args, arg)

			if p.accept(">") {
				break
			}

			if !p.accept(",") {
				return nil, p.errorf("expected , or >")
			}
		}
	}

	want := 0
	if decl.IsGeneric() {
		want = len(decl.Generics.Params)
	}

	if len(args) != want {
		return nil, p.errorf("%s takes %d generic arguments, got %d", name, want, len(args))
	}

	return sema.Nominal(decl, args...), nil
}

// associatedType resolves base.name through the protocols base is known
// to conform to.
func (sc *scope) associatedType(base *sema.Type, name string) *sema.AssociatedTypeDecl {
	if sc.protocol != nil && base.Root().Equal(sc.protocol.SelfType()) && base.Kind == sema.KindGenericParam {
		if a := sc.protocol.LookupAssociatedType(name); a != nil {
			return a
		}
	}

	if base.IsTypeParameter() && sc.sig != nil {
		if a := sc.sig.LookupAssociatedType(base, name); a != nil {
			return a
		}
	}

	if base.Kind == sema.KindDependentMember && sc.protocol != nil {
		// Self.A.B inside a protocol: B belongs to a protocol A is
		// constrained to, which only the requirement signature knows.
		for _, ac := range sc.protocol.AssociatedConformances {
			if ac.Path.Equal(base) {
				if a := ac.Protocol.LookupAssociatedType(name); a != nil {
					return a
				}
			}
		}
	}

	return nil
}

// parseRequirement parses "T: P", "T: C" (class bound), "T == U" or
// "T: AnyObject" (layout) and appends it to the scope's signature so that
// later requirements can name T's associated types.
func (sc *scope) parseRequirement(src string) (sema.Requirement, error) {
	if lhs, rhs, ok := strings.Cut(src, "=="); ok {
		subject, err := sc.parseType(strings.TrimSpace(lhs))
		if err != nil {
			return sema.Requirement{}, err
		}

		other, err := sc.parseType(strings.TrimSpace(rhs))
		if err != nil {
			return sema.Requirement{}, err
		}

		return sc.add(sema.Requirement{Kind: sema.ReqSameType, Subject: subject, Type: other}), nil
	}

	lhs, rhs, ok := strings.Cut(src, ":")
	if !ok {
		return sema.Requirement{}, fmt.Errorf("requirement %q: expected ':' or '=='", src)
	}

	subject, err := sc.parseType(strings.TrimSpace(lhs))
	if err != nil {
		return sema.Requirement{}, err
	}

	bound := strings.TrimSpace(rhs)

	if bound == "AnyObject" {
		return sc.add(sema.Requirement{Kind: sema.ReqLayout, Subject: subject, Layout: bound}), nil
	}

	if proto := sc.decls.protocols[bound]; proto != nil {
		return sc.add(sema.Conforms(subject, proto)), nil
	}

	super, err := sc.parseType(bound)
	if err != nil {
		return sema.Requirement{}, fmt.Errorf("requirement %q: %w", src, err)
	}

	if !super.IsClass() {
		return sema.Requirement{}, fmt.Errorf("requirement %q: %s is neither a protocol nor a class", src, super)
	}

	return sc.add(sema.Requirement{Kind: sema.ReqSuperclass, Subject: subject, Type: super}), nil
}

func (sc *scope) add(r sema.Requirement) sema.Requirement {
	if sc.sig != nil {
		sc.sig.Requirements = append(sc.sig.Requirements, r)
	}

	return r
}
