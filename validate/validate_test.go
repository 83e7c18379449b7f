package validate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forbearing/ix/validate"
)

func TestString(t *testing.T) {
	fn := validate.String(1, 5)
	require.Nil(t, fn("ok"))
	require.NotNil(t, fn(""))
	require.NotNil(t, fn("toolong"))
	require.NotNil(t, fn(42))
}

func TestStringUnboundedMax(t *testing.T) {
	fn := validate.String(0, 0)
	require.Nil(t, fn("any length goes here"))
}

func TestInteger(t *testing.T) {
	fn := validate.Integer(0, 10)
	require.Nil(t, fn(float64(5)), "JSON numbers decode as float64")
	require.NotNil(t, fn(float64(5.5)))
	require.NotNil(t, fn(float64(11)))
	require.NotNil(t, fn("5"))
}

func TestEnum(t *testing.T) {
	fn := validate.Enum("yes", "no")
	require.Nil(t, fn("yes"))
	require.Nil(t, fn("no"))
	e := fn("maybe")
	require.NotNil(t, e)
	require.Contains(t, e.Description, "yes")
	require.NotNil(t, fn(true))
}

func TestID(t *testing.T) {
	fn := validate.ID()
	require.Nil(t, fn("11111111-1111-1111-1111-111111111111"))
	require.NotNil(t, fn("not-a-guid"))
	require.NotNil(t, fn(1))
}

func TestBoolean(t *testing.T) {
	fn := validate.Boolean()
	require.Nil(t, fn(true))
	require.NotNil(t, fn("true"))
}
