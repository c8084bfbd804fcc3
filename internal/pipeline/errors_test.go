package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const cargoOutput = `
   Compiling test-project v0.1.0
warning: unused variable: ` + "`x`" + `
 --> src/main.rs:3:9
  |
3 |     let x = 1;
  |         ^
error[E0425]: cannot find value ` + "`undefined_var`" + ` in this scope
  --> src/main.rs:10:5
   |
10 |     undefined_var
   |     ^^^^^^^^^^^^^ not found in this scope

error: could not compile ` + "`test-project`" + ` due to previous error
`

func TestKeyErrors_KeepsErrorsWithContext(t *testing.T) {
	got := KeyErrors(cargoOutput)
	assert.Contains(t, got, "error[E0425]: cannot find value")
	assert.Contains(t, got, "--> src/main.rs:10:5")
	assert.Contains(t, got, "10 |     undefined_var")
	assert.Contains(t, got, "error: could not compile")
	assert.NotContains(t, got, "Compiling")
	assert.NotContains(t, got, "unused variable")
	assert.NotContains(t, got, "src/main.rs:3:9")
}

func TestKeyErrors_NoErrors(t *testing.T) {
	assert.Equal(t, "", KeyErrors("   Compiling x v0.1.0\n    Finished dev\n"))
}
