package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	player := fs.String("player", "", "player id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*player) == "" {
		fmt.Fprintln(os.Stderr, "missing -player")
		os.Exit(2)
	}
	adminGet(*baseURL, "/admin/v1/status", url.Values{"player": {*player}})
}

func inboxCmd(args []string) {
	fs := flag.NewFlagSet("inbox", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	player := fs.String("player", "", "player id")
	typ := fs.String("type", "", "message type filter")
	unread := fs.Bool("unread", false, "unread only")
	archived := fs.Bool("archived", false, "include archived")
	_ = fs.Parse(args)

	if strings.TrimSpace(*player) == "" {
		fmt.Fprintln(os.Stderr, "missing -player")
		os.Exit(2)
	}
	q := url.Values{"player": {*player}}
	if *typ != "" {
		q.Set("type", *typ)
	}
	if *unread {
		q.Set("unread", "1")
	}
	if *archived {
		q.Set("archived", "1")
	}
	adminGet(*baseURL, "/admin/v1/inbox", q)
}

func adminGet(baseURL, path string, q url.Values) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimRight(string(b), "\n"))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
