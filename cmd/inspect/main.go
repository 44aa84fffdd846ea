package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"metafeed/pkg/keys"
	"metafeed/pkg/logger"
	"metafeed/pkg/models"
	"metafeed/pkg/security"
	"metafeed/pkg/store"
	"metafeed/pkg/tree"
)

// Offline tree dump: replays a log directory and prints every feed tree
// it contains.
func main() {
	var dbPath string
	flag.StringVar(&dbPath, "db", "", "data directory of a metafeedd instance")
	flag.Parse()
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	logger.InitWithLevel("error")

	plog, err := store.Open(filepath.Join(dbPath, "log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer plog.Close()

	// unlock private seed messages when the identity file is present
	if owner, err := keys.LoadOrCreateIdentity(filepath.Join(dbPath, "identity.json")); err == nil {
		if selfKey, err := security.SelfKey(owner); err == nil {
			plog.AddBoxKey(selfKey)
		}
	}

	idx := tree.NewIndex(plog)
	msgs, err := plog.QueryByFormat(models.FormatBendyButtV1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to replay log: %v\n", err)
		os.Exit(1)
	}
	roots := map[string]struct{}{}
	for _, msg := range msgs {
		idx.Ingest(msg)
		roots[idx.RootOf(msg.Author)] = struct{}{}
	}
	if len(roots) == 0 {
		fmt.Println("log holds no meta-feed messages")
		return
	}
	for root := range roots {
		if node := idx.GetTree(root); node != nil {
			printNode(node, 0)
		}
	}
}

func printNode(n *tree.Node, depth int) {
	d := n.Details
	label := d.Purpose
	if label == "" {
		label = "?"
	}
	state := ""
	if d.Tombstoned {
		state = " (tombstoned"
		if d.TombstoneReason != "" {
			state += ": " + d.TombstoneReason
		}
		state += ")"
	}
	fmt.Printf("%s%s [%s] %s%s\n", strings.Repeat("  ", depth), label, d.Format, d.ID, state)
	for _, child := range n.Children {
		printNode(child, depth+1)
	}
}
