//go:build !unix

package ledger

func processAlive(pid int) bool {
	return pid > 0
}
