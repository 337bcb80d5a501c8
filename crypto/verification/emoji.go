package verification

// Emoji is one entry of the 64-entry SAS emoji table from the Matrix
// specification's appendix, indexed 0-63.
type Emoji struct {
	Char string
	Name string
}

// emojiTable is the fixed 64-entry SAS emoji table; index into it with
// one of the seven 6-bit values produced by DeriveSAS.
var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Wrench"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Airplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// sixBitIndexes splits the first 42 bits (7 groups of 6 bits) of a
// SAS byte string into emoji-table indexes, per spec.md §4.9.
func sixBitIndexes(sas []byte) [7]int {
	var bits uint64
	for i := 0; i < 6 && i < len(sas); i++ {
		bits = bits<<8 | uint64(sas[i])
	}
	// bits now holds the top 48 bits (6 bytes); we only use the top 42.
	bits >>= 6
	var out [7]int
	for i := 6; i >= 0; i-- {
		out[i] = int(bits & 0x3f)
		bits >>= 6
	}
	return out
}

// SASEmojis returns the seven emoji the derived SAS bytes decode to.
func SASEmojis(sas []byte) [7]Emoji {
	indexes := sixBitIndexes(sas)
	var out [7]Emoji
	for i, idx := range indexes {
		out[i] = emojiTable[idx]
	}
	return out
}

// sasDecimalBase is added to each of the three 13-bit groups the Matrix
// spec derives for decimal-mode SAS display, so the range matches the
// spec's documented 1000-9191 inclusive output.
const sasDecimalBase = 1000

// SASDecimals returns the three decimal codes the Matrix spec derives
// from the same 42 SAS bits used for the emoji representation.
func SASDecimals(sas []byte) [3]int {
	var bits uint64
	for i := 0; i < 6 && i < len(sas); i++ {
		bits = bits<<8 | uint64(sas[i])
	}
	bits >>= 6
	var out [3]int
	for i := 2; i >= 0; i-- {
		out[i] = int(bits&0x1fff) + sasDecimalBase
		bits >>= 13
	}
	return out
}
