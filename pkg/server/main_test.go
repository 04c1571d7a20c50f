package server

import (
	"os"
	"testing"
)

// helperExitEnv makes the test binary exit immediately, for tests that
// need short-lived child processes.
const helperExitEnv = "RPCGATE_TEST_HELPER_EXIT"

func TestMain(m *testing.M) {
	switch {
	case IsForkedChild():
		os.Exit(RunForkedChild(Config{}, newPIDService()))
	case os.Getenv(helperExitEnv) == "1":
		os.Exit(0)
	}
	os.Exit(m.Run())
}
