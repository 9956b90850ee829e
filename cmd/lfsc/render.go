package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/InsulaLabs/ledgerfs/ledger/entry"
	"github.com/InsulaLabs/ledgerfs/ledger/mailbox"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	folderStyle = cellStyle.Foreground(lipgloss.Color("4"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func printKV(rows [][2]string) {
	t := newTable("field", "value")
	for _, r := range rows {
		t.Row(r[0], r[1])
	}
	fmt.Println(t)
}

func printEntry(path string, e entry.Entry) {
	printKV([][2]string{
		{"path", path},
		{"owner", e.Owner},
		{"public", strconv.FormatBool(e.Public)},
		{"read", strings.Join(e.ReadGrants.Items(), ", ")},
		{"write", strings.Join(e.WriteGrants.Items(), ", ")},
		{"contents", e.Contents},
	})
}

func printListing(listing entry.Listing) {
	t := newTable("name", "kind")
	folders := len(listing.Folders)
	for _, f := range listing.Folders {
		t.Row(f, "folder")
	}
	for _, f := range listing.Files {
		t.Row(f, "file")
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case row < folders:
			return folderStyle
		}
		return cellStyle
	})
	fmt.Println(t)
}

func printMailbox(msgs []mailbox.Message) {
	t := newTable("#", "sender", "contents")
	for i, m := range msgs {
		// index 0 is the sentinel every mailbox opens with
		if i == 0 {
			continue
		}
		t.Row(strconv.Itoa(i), m.Sender, m.Contents)
	}
	fmt.Println(t)
}
