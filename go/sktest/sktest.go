// Package sktest holds the subset of testing.TB that test helpers depend on,
// so helpers can be driven by fakes as well as *testing.T.
package sktest

// TestingT is satisfied by *testing.T and *testing.B.
type TestingT interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fail()
	FailNow()
	Failed() bool
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
	Log(args ...interface{})
	Name() string
	Skip(args ...interface{})
	TempDir() string
}
