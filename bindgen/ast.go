package bindgen

// Kind is the category of a C type.
type Kind int

// Builtin scalar kinds followed by the derived kinds.
const (
	Void Kind = iota
	Bool
	Char
	SChar
	UChar
	Short
	UShort
	Int
	UInt
	Long
	ULong
	LongLong
	ULongLong
	Float
	Double
	LongDouble
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Size
	SSize
	IntPtr
	UintPtr
	PtrDiff
	WChar

	Pointer
	Array
	Func
	RecordType
	EnumType
	TypedefType
	External // a name from a header that is not read (FILE, va_list)
)

// Type is a C type.
type Type struct {
	Kind  Kind
	Const bool

	Elem *Type     // Pointer, Array
	Len  int       // Array length, -1 when unspecified
	Fn   *FuncType // Func

	Name    string   // TypedefType and External
	Record  *Record  // RecordType
	Enum    *Enum    // EnumType
	Typedef *Typedef // TypedefType
}

// FuncType is the signature of a function or function pointer.
type FuncType struct {
	Result   *Type
	Params   []Param
	Variadic bool
}

// Param is a function parameter. Name is empty for unnamed parameters.
type Param struct {
	Name string
	Type *Type
}

// Function is a declared function.
type Function struct {
	Name string
	Type *FuncType
	Pos  Pos
}

// Field is a struct or union member.
type Field struct {
	Name string
	Type *Type
	Bits int // bit-field width, -1 for ordinary members
}

// Record is a struct or union.
type Record struct {
	Tag      string
	Union    bool
	Complete bool // a body was seen
	Fields   []Field
	Pos      Pos
}

// HasBitfields reports whether any member is a bit-field.
func (r *Record) HasBitfields() bool {
	for _, f := range r.Fields {
		if f.Bits >= 0 {
			return true
		}
	}
	return false
}

// EnumConstant is one enumerator.
type EnumConstant struct {
	Name     string
	Value    int64
	Unsigned bool
}

// Enum is an enumeration.
type Enum struct {
	Tag       string
	Constants []EnumConstant
	Pos       Pos
}

// Typedef is a typedef declaration.
type Typedef struct {
	Name string
	Type *Type
	Pos  Pos
}

// ConstKind is the kind of a macro constant.
type ConstKind int

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstString
)

// Constant is an object-like macro whose body is a literal value.
type Constant struct {
	Name     string
	Kind     ConstKind
	Int      int64
	Unsigned bool
	Float    float64
	Str      string
	Pos      Pos
}

// Header is everything declared by a header and its quoted includes, in
// declaration order.
type Header struct {
	Functions []*Function
	Records   []*Record
	Enums     []*Enum
	Typedefs  []*Typedef
	Constants []*Constant
	Variables []string

	Files          []SourceFile
	SystemIncludes []string
}

// resolve follows typedefs until a non-typedef type is reached.
func (t *Type) resolve() *Type {
	for t != nil && t.Kind == TypedefType && t.Typedef != nil {
		t = t.Typedef.Type
	}
	return t
}

// isCharPointer reports whether t is char* or const char*.
func (t *Type) isCharPointer() bool {
	if t == nil || t.Kind != Pointer || t.Elem == nil {
		return false
	}
	return t.Elem.Kind == Char
}

// isScalar reports whether k is a builtin arithmetic kind.
func (k Kind) isScalar() bool {
	return k >= Bool && k <= WChar && k != LongDouble
}
