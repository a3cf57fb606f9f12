package coord

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

var agentNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

var nicknameTones = []string{
	"amber", "brisk", "calm", "deft", "eager", "fleet", "gentle", "hardy",
	"keen", "lucid", "mellow", "nimble", "plucky", "quiet", "rapid", "steady",
	"swift", "tidy", "vivid", "wily",
}

var nicknameAnimals = []string{
	"badger", "bison", "crane", "dingo", "falcon", "gecko", "heron", "ibis",
	"jackal", "koala", "lemur", "marten", "newt", "ocelot", "panda", "quokka",
	"raven", "stoat", "tapir", "wombat",
}

// Nickname derives the stable server-assigned identifier for a requested
// agent name. The same base name always yields the same nickname.
func Nickname(base string) string {
	h := fnv.New32a()
	h.Write([]byte(base))
	sum := h.Sum32()
	tone := nicknameTones[sum%uint32(len(nicknameTones))]
	animal := nicknameAnimals[(sum/uint32(len(nicknameTones)))%uint32(len(nicknameAnimals))]
	return fmt.Sprintf("%s-%s-%s", base, tone, animal)
}

// validAgentName reports whether a requested base name is acceptable.
func validAgentName(name string) bool {
	return agentNameRe.MatchString(name)
}

// BaseName inverts Nickname: when name carries a tone-animal suffix the base
// is returned, otherwise name itself.
func BaseName(name string) string {
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return name
	}
	tone, animal := parts[len(parts)-2], parts[len(parts)-1]
	if !contains(nicknameTones, tone) || !contains(nicknameAnimals, animal) {
		return name
	}
	base := strings.Join(parts[:len(parts)-2], "-")
	if Nickname(base) != name {
		return name
	}
	return base
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
