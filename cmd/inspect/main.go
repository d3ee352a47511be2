// Command inspect dumps the chat store as a table, for poking at a database
// taken from a live server or a failed test run. Opens read-only, so it is
// safe to point at a directory another process currently owns.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"agrichat/repositories"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/olekukonko/tablewriter"
)

func main() {
	dbPath := flag.String("db", "", "Path to badger DB")
	prefix := flag.String("prefix", "msg:", "Prefix to scan (msg:, rcp:, mbr:, grp:)")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("Missing -db flag")
	}

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Group", "Seq", "Sender", "Time", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			rawKey := string(item.Key())

			// The mid: index carries no information the msg: rows do not.
			if strings.HasPrefix(rawKey, "mid:") {
				continue
			}

			err := item.Value(func(v []byte) error {
				table.Append(toRow(rawKey, v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

func toRow(key string, value []byte) []string {
	switch {
	case strings.HasPrefix(key, "msg:"):
		message, err := repositories.DecodeMessageValue(value)
		if err != nil {
			return []string{key, "-", "-", "-", "-", fmt.Sprintf("decode error: %v", err)}
		}
		content := message.Content
		if len(content) > 60 {
			content = content[:57] + "..."
		}
		return []string{
			key,
			fmt.Sprintf("%d", message.GroupID),
			fmt.Sprintf("%d", message.Seq),
			message.SenderID,
			message.CreatedAt.Format("15:04:05"),
			content,
		}
	case strings.HasPrefix(key, "rcp:"):
		var seq uint64
		if err := cbor.Unmarshal(value, &seq); err != nil {
			return []string{key, "-", "-", "-", "-", fmt.Sprintf("decode error: %v", err)}
		}
		return []string{key, "-", fmt.Sprintf("%d", seq), "-", "-", "read receipt"}
	default:
		return []string{key, "-", "-", "-", "-", fmt.Sprintf("%d bytes", len(value))}
	}
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true).
		WithValueLogFileSize(10 * 1024 * 1024)

	db, err := badger.Open(opts)
	if err != nil {
		// On corruption, open in write mode once so Badger truncates the
		// value log, then reopen read-only.
		if strings.Contains(err.Error(), "Log truncate required") {
			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}

			db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
