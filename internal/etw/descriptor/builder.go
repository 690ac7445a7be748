package descriptor

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/etw/provider"
	"github.com/coral-mesh/etwtrace/internal/etw/wiretype"
)

// TupleSize is the number of arguments of one payload: type, name, value.
const TupleSize = 3

// DefaultMaxSize bounds the serialized size of a descriptor.
const DefaultMaxSize = 64 * 1024

// Builder compiles trace calls into descriptors.
type Builder struct {
	types     *wiretype.Registry
	providers *provider.Registry
	maxSize   int
	logger    zerolog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMaxSize bounds the serialized descriptor size. Larger descriptors fail
// with ErrNoMem.
func WithMaxSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.maxSize = n
		}
	}
}

// WithLogger sets the builder logger.
func WithLogger(logger zerolog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger.With().Str("component", "descriptor_builder").Logger()
	}
}

// NewBuilder creates a builder resolving types in types and providers in
// providers.
func NewBuilder(types *wiretype.Registry, providers *provider.Registry, opts ...BuilderOption) *Builder {
	b := &Builder{
		types:     types,
		providers: providers,
		maxSize:   DefaultMaxSize,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates a trace call and compiles it into a descriptor.
//
// The call starts with a common prefix: provider name, provider GUID, an
// optional provider group GUID, event name, level and keyword. The group GUID
// is recognized by parsing; a third argument that is not a GUID is taken as
// the event name. Payload tuples of (type name, field name, value) follow.
//
// On success the descriptor holds a reference on its provider; release it
// with Destroy.
func (b *Builder) Build(call *argtree.Call) (*Descriptor, error) {
	c := &compilation{b: b, call: call, argc: call.Argc()}

	if err := c.prefix(); err != nil {
		return nil, err
	}
	if err := c.payloads(); err != nil {
		return nil, err
	}

	// Resolve the provider before allocating so a malformed identifier fails
	// the call.
	if _, err := b.providers.Acquire(c.providerName, c.providerGUID, c.groupGUID); err != nil {
		return nil, buildErr(call.Name, 2, CodePGUID, "does not name a valid provider: %v", err)
	}

	d, err := c.assemble()
	if err != nil {
		b.providers.Release(c.providerGUID)
		return nil, err
	}
	d.providers = b.providers
	d.heldID = c.providerGUID

	b.logger.Debug().
		Str("provider", c.providerName).
		Str("event", c.eventName).
		Int("payloads", len(c.entries)).
		Int("size", d.Size()).
		Msg("Compiled trace descriptor")

	return d, nil
}

// compilation is the state of a single Build call. Pass one gathers the
// header and payload array while pointing at the argument strings; pass two
// copies everything into the final string table.
type compilation struct {
	b    *Builder
	call *argtree.Call
	argc int
	argi int

	providerName string
	providerGUID string
	groupGUID    string
	eventName    string
	hasGroup     bool

	hdr     Header
	entries []PayloadEntry
	names   []string
	rest    argtree.Node
}

func (c *compilation) errorf(arg int, code Code, format string, args ...any) error {
	return buildErr(c.call.Name, arg, code, format, args...)
}

// literal checks that n is present, of the expected kind and not a variable.
func (c *compilation) literal(n argtree.Node, code Code, what string, wantString bool) error {
	if c.argi > c.argc || n == nil {
		return c.errorf(c.argi, CodeParams, "missing - %s", what)
	}
	if wantString && !n.IsString() {
		return c.errorf(c.argi, code, "must be a string")
	}
	if !wantString && !n.IsInteger() {
		return c.errorf(c.argi, code, "must be an integer")
	}
	if n.IsVariable() {
		return c.errorf(c.argi, code, "must not be a variable")
	}
	return nil
}

func strLen(s string) uint32 {
	return uint32(len(s) + 1)
}

func (c *compilation) prefix() error {
	c.argi++
	pname := c.call.Args
	if err := c.literal(pname, CodePName, "provider name", true); err != nil {
		return err
	}
	c.providerName = pname.StringValue()
	c.hdr.ProviderNameLen = strLen(c.providerName)
	c.hdr.StringTableSize = c.hdr.ProviderNameLen

	c.argi++
	pguid := pname.Next()
	if err := c.literal(pguid, CodePGUID, "provider guid", true); err != nil {
		return err
	}
	c.providerGUID = pguid.StringValue()
	c.hdr.ProviderGUIDLen = strLen(c.providerGUID)
	c.hdr.StringTableSize += c.hdr.ProviderGUIDLen

	c.argi++
	group := pguid.Next()
	if err := c.literal(group, CodeEName, "event name or provider group guid", true); err != nil {
		return err
	}
	prev := pguid
	if _, ok := provider.ParseGUID(group.StringValue()); ok {
		c.hasGroup = true
		c.groupGUID = group.StringValue()
		c.hdr.GroupGUIDLen = strLen(c.groupGUID)
		c.hdr.StringTableSize += c.hdr.GroupGUIDLen
		prev = group
	} else {
		// Not a GUID: the argument is the event name.
		c.argi--
	}

	c.argi++
	ename := prev.Next()
	if err := c.literal(ename, CodeEName, "event name", true); err != nil {
		return err
	}
	c.eventName = ename.StringValue()
	c.hdr.EventNameLen = strLen(c.eventName)
	c.hdr.StringTableSize += c.hdr.EventNameLen

	c.argi++
	level := ename.Next()
	if err := c.literal(level, CodeLevel, "event level", false); err != nil {
		return err
	}
	if v := level.IntValue(); v < 0 || v > MaxLevel {
		return c.errorf(c.argi, CodeLevel, "must be a valid integer between 0 and %d\tsupplied level: %d", MaxLevel, v)
	}
	c.hdr.Level = uint8(level.IntValue())

	c.argi++
	keyword := level.Next()
	if err := c.literal(keyword, CodeKeyword, "event keywords", false); err != nil {
		return err
	}
	c.hdr.Keyword = uint64(keyword.IntValue())

	c.rest = keyword.Next()
	return nil
}

func (c *compilation) payloads() error {
	if (c.argc-c.argi)%TupleSize != 0 {
		return c.errorf(0, CodePayload, "parameter count does not match expected payload format\n"+
			"\tpayload parameters\n\t\ttype\n\t\tname\n\t\tvalue")
	}

	count := (c.argc - c.argi) / TupleSize
	c.entries = make([]PayloadEntry, 0, count)
	c.names = make([]string, 0, count)

	for n := c.rest; n != nil; {
		plType := n
		plName := plType.Next()
		plValue := plName.Next()

		c.argi++
		if !plType.IsString() {
			return c.errorf(c.argi, CodePayload, "must be a string")
		}
		if plType.IsVariable() {
			return c.errorf(c.argi, CodePayload, "must not be a variable")
		}
		tag, ok := c.b.types.Lookup(plType.StringValue())
		if !ok {
			return c.errorf(c.argi, CodePayload, "is not a supported etw type")
		}

		c.argi++
		if !plName.IsString() {
			return c.errorf(c.argi, CodePayload, "must be a string")
		}
		if plName.IsVariable() {
			return c.errorf(c.argi, CodePayload, "must not be a variable")
		}
		name := plName.StringValue()

		c.argi++
		switch c.b.types.Compatibility(tag, plValue) {
		case wiretype.Incompatible, wiretype.InvalidTag:
			return c.errorf(c.argi, CodePayloadType, "is not compatible with payload type specified in argument #%d %q",
				c.argi-2, plType.StringValue())
		case wiretype.Unimplemented:
			return c.errorf(c.argi, CodePayloadType, "is not supported/implemented with payload type specified in argument #%d %q",
				c.argi-2, plType.StringValue())
		}

		if tag == wiretype.TagStruct {
			if _, _, err := c.checkStruct(c.argi, plValue); err != nil {
				return err
			}
		}

		e := PayloadEntry{Tag: tag, NameLen: strLen(name)}
		c.entries = append(c.entries, e)
		c.names = append(c.names, name)
		c.hdr.StringTableSize += e.NameLen

		n = plValue.Next()
	}

	c.hdr.PayloadCount = uint32(len(c.entries))
	return nil
}

// checkStruct verifies that enough payload tuples follow a struct entry to
// satisfy its declared member count. A nested struct counts as one member of
// its parent, whatever its own size. It returns the node after the consumed
// members and the ordinal of the last argument consumed.
func (c *compilation) checkStruct(argi int, value argtree.Node) (argtree.Node, int, error) {
	if value.IsVariable() {
		return nil, argi, c.errorf(argi, CodePayload, "must not be a variable")
	}

	want := value.IntValue()
	if want < 0 {
		return nil, argi, c.errorf(argi, CodePayload, "payload struct size (%d) must not be negative", want)
	}

	var count int64
	pos := argi
	n := value.Next()
	for n != nil && count < want {
		plType := n
		plName := plType.Next()
		if plName == nil || plName.Next() == nil {
			break
		}
		plValue := plName.Next()

		if plType.IsString() && plType.StringValue() == "etw_struct" {
			var err error
			if n, pos, err = c.checkStruct(pos+TupleSize, plValue); err != nil {
				return nil, pos, err
			}
		} else {
			n = plValue.Next()
			pos += TupleSize
		}

		count++
	}

	if count < want {
		return nil, pos, c.errorf(argi, CodePayload,
			"payload struct size (%d) cannot be satisfied with the remaining payload count (%d)", want, count)
	}
	return n, pos, nil
}

// assemble copies the strings into a string table sized in pass one.
func (c *compilation) assemble() (*Descriptor, error) {
	size := HeaderSize + len(c.entries)*PayloadEntrySize + int(c.hdr.StringTableSize)
	if size > c.b.maxSize {
		return nil, fmt.Errorf("%s( ): descriptor needs %d bytes, limit is %d: %w",
			c.call.Name, size, c.b.maxSize, ErrNoMem)
	}

	d := &Descriptor{
		hdr:     c.hdr,
		entries: c.entries,
		strtab:  make([]byte, c.hdr.StringTableSize),
		names:   make([]span, len(c.entries)),
	}

	var cur uint32
	put := func(s string, n uint32) span {
		copy(d.strtab[cur:cur+n-1], s)
		d.strtab[cur+n-1] = 0
		sp := span{off: cur, n: n}
		cur += n
		return sp
	}

	d.providerName = put(c.providerName, c.hdr.ProviderNameLen)
	d.providerGUID = put(c.providerGUID, c.hdr.ProviderGUIDLen)
	d.eventName = put(c.eventName, c.hdr.EventNameLen)
	if c.hasGroup {
		d.groupGUID = put(c.groupGUID, c.hdr.GroupGUIDLen)
	}
	for i, name := range c.names {
		d.names[i] = put(name, c.entries[i].NameLen)
	}

	if cur != c.hdr.StringTableSize {
		return nil, fmt.Errorf("%s( ): string table cursor at %d, expected %d", c.call.Name, cur, c.hdr.StringTableSize)
	}

	d.valid = true
	return d, nil
}
