package envfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerImportantGCC(t *testing.T) {
	assert.True(t, IsServerImportant(FamilyGCC, "CPATH"))
	assert.False(t, IsServerImportant(FamilyGCC, "WINDEBUG"))
}

func TestClientImportantIncludesServerImportant(t *testing.T) {
	assert.True(t, IsClientImportant(FamilyGCC, "CPATH"))
}

func TestClientImportantIncludesExtras(t *testing.T) {
	assert.True(t, IsClientImportant(FamilyGCC, "LUCI_CONTEXT"))
	assert.False(t, IsServerImportant(FamilyGCC, "LUCI_CONTEXT"))
}

func TestClientImportantPathextCaseInsensitive(t *testing.T) {
	assert.True(t, IsClientImportant(FamilyMSVC, "pathext"))
}

func TestFilterEnv(t *testing.T) {
	env := []string{"CPATH=/usr/include", "HOME=/root", "PWD=/work"}
	out := ServerImportant(FamilyGCC, env)
	assert.ElementsMatch(t, []string{"CPATH=/usr/include", "PWD=/work"}, out)
}
