package badges

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeGenerator produces candidate claim codes. Candidates may collide; the caller
// checks them against the global code index.
type CodeGenerator interface {
	NewCode() (string, error)
}

var (
	codeAdjectives = []string{
		"able", "agile", "amber", "ancient", "arctic", "bold", "brave", "breezy", "bright", "brisk",
		"calm", "candid", "cheerful", "chilly", "clever", "cosmic", "cozy", "crimson", "curious", "daring",
		"dapper", "dazzling", "eager", "early", "earnest", "electric", "elegant", "epic", "fabled", "fancy",
		"fearless", "fierce", "fluffy", "frosty", "gentle", "giant", "gilded", "glad", "golden", "graceful",
		"grand", "happy", "hardy", "hasty", "hidden", "honest", "humble", "icy", "jolly", "jovial",
		"keen", "kind", "lethargic", "lively", "lucky", "lunar", "magic", "mellow", "merry", "mighty",
		"misty", "modest", "nimble", "noble", "odd", "patient", "plucky", "polite", "proud", "quick",
		"quiet", "radiant", "rapid", "rustic", "shiny", "silent", "silver", "sleepy", "sly", "smooth",
		"snowy", "solar", "speedy", "spry", "stellar", "steady", "stormy", "sunny", "swift", "tidy",
		"tiny", "tranquil", "upbeat", "vivid", "wandering", "warm", "wild", "wise", "witty", "woeful",
		"zany", "zealous",
	}
	codeAnimals = []string{
		"aardvark", "albatross", "alpaca", "antelope", "armadillo", "badger", "bat", "bear", "beaver", "bison",
		"bobcat", "buffalo", "camel", "capybara", "caribou", "cat", "cheetah", "chipmunk", "cobra", "condor",
		"cougar", "coyote", "crab", "crane", "crow", "deer", "dingo", "dolphin", "donkey", "dove",
		"eagle", "eel", "elephant", "elk", "emu", "falcon", "ferret", "finch", "flamingo", "fox",
		"frog", "gazelle", "gecko", "giraffe", "goat", "gopher", "gorilla", "hamster", "hare", "hawk",
		"hedgehog", "heron", "hippo", "hummingbird", "ibis", "iguana", "impala", "jackal", "jaguar", "jellyfish",
		"kangaroo", "kingfisher", "koala", "lemur", "leopard", "lion", "llama", "lobster", "lynx", "macaw",
		"magpie", "manatee", "marmot", "meerkat", "mole", "moose", "narwhal", "newt", "ocelot", "octopus",
		"orca", "osprey", "otter", "owl", "panda", "panther", "parrot", "pelican", "penguin", "puffin",
		"quail", "rabbit", "raccoon", "raven", "salamander", "seal", "sloth", "squid", "stork", "swan",
		"tapir", "tiger", "toucan", "turtle", "walrus", "weasel", "whale", "wolf", "wombat", "yak",
		"zebra",
	}
)

const (
	codeSuffixMin   = 10
	codeSuffixRange = 990
)

// WordCodeGenerator builds memorable codes shaped like "plucky-otter-427".
type WordCodeGenerator struct {
	adjectives []string
	animals    []string
}

// NewWordCodeGenerator returns a generator backed by crypto/rand.
func NewWordCodeGenerator() *WordCodeGenerator {
	return &WordCodeGenerator{adjectives: codeAdjectives, animals: codeAnimals}
}

func (g *WordCodeGenerator) NewCode() (string, error) {
	adjective, err := pick(g.adjectives)
	if err != nil {
		return "", err
	}
	animal, err := pick(g.animals)
	if err != nil {
		return "", err
	}
	suffix, err := rand.Int(rand.Reader, big.NewInt(codeSuffixRange))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%d", adjective, animal, suffix.Int64()+codeSuffixMin), nil
}

func pick(words []string) (string, error) {
	index, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[index.Int64()], nil
}
