package seedkey

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	DefaultGround = "stone"
	DefaultFluid  = "water"

	EmptyTitle = "Empty Dimension"

	// hashChars is how much of the hex digest survives into the key material.
	hashChars = 8
	// suffixChars is the part of the truncated digest printed after the last dash.
	suffixChars = 2
)

// Column is one authored column of a grid.
type Column struct {
	WorldType   string   `json:"worldType" yaml:"world_type"`
	GroundBlock string   `json:"groundBlock" yaml:"ground_block"`
	FluidBlock  string   `json:"fluidBlock" yaml:"fluid_block"`
	OreLayout   []string `json:"oreLayout,omitempty" yaml:"ore_layout,omitempty"`
	Unlocked    bool     `json:"unlocked" yaml:"unlocked"`
}

// Grid is the player-authored world configuration a bridge is created from.
type Grid struct {
	Tier    int      `json:"tier" yaml:"tier"`
	Columns []Column `json:"columns" yaml:"columns"`
}

// Unlocked returns the unlocked columns in authored order.
func (g Grid) Unlocked() []Column {
	out := make([]Column, 0, len(g.Columns))
	for _, c := range g.Columns {
		if c.Unlocked {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy so records never alias caller-owned slices.
func (g Grid) Clone() Grid {
	out := Grid{Tier: g.Tier}
	if g.Columns == nil {
		return out
	}
	out.Columns = make([]Column, len(g.Columns))
	for i, c := range g.Columns {
		c.OreLayout = append([]string(nil), c.OreLayout...)
		out.Columns[i] = c
	}
	return out
}

// Equal reports whether two grids hash the same material: tier and unlocked columns.
func Equal(a, b Grid) bool {
	return bytes.Equal(canonical(a), canonical(b))
}

type canonicalColumn struct {
	WorldType   string   `json:"worldType"`
	GroundBlock string   `json:"groundBlock"`
	FluidBlock  string   `json:"fluidBlock"`
	OreLayout   []string `json:"oreLayout"`
}

type canonicalGrid struct {
	Tier    int               `json:"tier"`
	Columns []canonicalColumn `json:"columns"`
}

// canonical serializes {tier, columns:[{worldType,groundBlock,fluidBlock,oreLayout}]} over the
// unlocked columns only. Field order is fixed by the struct layout.
func canonical(g Grid) []byte {
	cg := canonicalGrid{Tier: g.Tier, Columns: []canonicalColumn{}}
	for _, c := range g.Unlocked() {
		ores := c.OreLayout
		if ores == nil {
			ores = []string{}
		}
		cg.Columns = append(cg.Columns, canonicalColumn{
			WorldType:   c.WorldType,
			GroundBlock: c.GroundBlock,
			FluidBlock:  c.FluidBlock,
			OreLayout:   ores,
		})
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(cg)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Digest is the dual-accumulator rolling hash of s. Input is consumed as UTF-16 code units and all
// arithmetic wraps at 32 bits so previously issued keys stay reproducible.
func Digest(s string) [32]byte {
	h1 := uint32(0xdeadbeef)
	h2 := uint32(0x41c6ce57)
	for _, c := range utf16.Encode([]rune(s)) {
		h1 = (h1 ^ uint32(c)) * 2654435761
		h2 = (h2 ^ uint32(c)) * 1597334677
	}
	var out [32]byte
	for i := 0; i < 4; i++ {
		h1 = ((h1 ^ (h1 >> 16)) * 2246822507) ^ ((h2 ^ (h2 >> 13)) * 3266489909)
		h2 = ((h2 ^ (h2 >> 16)) * 2246822507) ^ ((h1 ^ (h1 >> 13)) * 3266489909)
		binary.BigEndian.PutUint32(out[i*8:], h1)
		binary.BigEndian.PutUint32(out[i*8+4:], h2)
	}
	return out
}

// Hash returns the truncated hex digest of the grid's canonical form.
func Hash(g Grid) string {
	sum := Digest(string(canonical(g)))
	return hex.EncodeToString(sum[:])[:hashChars]
}

// Generate derives the seed key GROUND-FLUID-XX for a grid.
func Generate(g Grid) string {
	ground, fluid := paletteOf(g)
	suffix := Hash(g)[:suffixChars]
	return strings.ToUpper(Clean(ground) + "-" + Clean(fluid) + "-" + suffix)
}

// Title is the carrier document title for a grid.
func Title(g Grid) string {
	if len(g.Unlocked()) == 0 {
		return EmptyTitle
	}
	ground, fluid := paletteOf(g)
	return "Dimension: " + Clean(ground) + " & " + Clean(fluid)
}

// Features lists the distinct fluids and ore layouts of the unlocked columns.
func Features(g Grid) []string {
	set := map[string]struct{}{}
	for _, c := range g.Unlocked() {
		if f := strings.TrimSpace(c.FluidBlock); f != "" {
			set[f] = struct{}{}
		}
		for _, ore := range c.OreLayout {
			if ore = strings.TrimSpace(ore); ore != "" {
				set[ore] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// GeneratorType is the world type of the first unlocked column, or "void".
func GeneratorType(g Grid) string {
	cols := g.Unlocked()
	if len(cols) == 0 || strings.TrimSpace(cols[0].WorldType) == "" {
		return "void"
	}
	return cols[0].WorldType
}

// DefaultBlock is the namespaced ground block of the first unlocked column.
func DefaultBlock(g Grid) string {
	ground, _ := paletteOf(g)
	if !strings.Contains(ground, ":") {
		return "minecraft:" + ground
	}
	return ground
}

func paletteOf(g Grid) (ground, fluid string) {
	ground, fluid = DefaultGround, DefaultFluid
	cols := g.Unlocked()
	if len(cols) == 0 {
		return ground, fluid
	}
	if strings.TrimSpace(cols[0].GroundBlock) != "" {
		ground = cols[0].GroundBlock
	}
	if strings.TrimSpace(cols[0].FluidBlock) != "" {
		fluid = cols[0].FluidBlock
	}
	return ground, fluid
}

// Clean turns a block id into a display name: "minecraft:deep_slate" -> "Deep Slate".
// Only the first letter of each word changes case, so "minecraft:TNT" stays "TNT".
func Clean(id string) string {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		id = id[i+1:]
	}
	caser := cases.Title(language.Und, cases.NoLower)
	words := strings.Split(strings.ReplaceAll(id, "_", " "), " ")
	for i, w := range words {
		words[i] = caser.String(w)
	}
	return strings.Join(words, " ")
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// DimensionID is the registry id derived from a seed key.
func DimensionID(key string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(key), "_")
}

var keyPattern = regexp.MustCompile(`^[A-Z0-9 ]+-[A-Z0-9 ]+-[0-9A-F]{2}$`)

// IsKey reports whether s has the shape of a generated seed key.
func IsKey(s string) bool {
	return keyPattern.MatchString(s)
}
