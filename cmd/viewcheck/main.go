// viewcheck polls the admin endpoints of a running group and reports
// whether every member's view agrees with the set of members polled.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrmember/pkg/node"
)

type info struct {
	Address string `json:"address"`
	State   string `json:"state"`
	Members int    `json:"members"`
}

type member struct {
	Address string `json:"address"`
}

type result struct {
	admin   string
	self    string
	state   string
	members []string
	err     error
}

func main() {
	addrs := flag.String("addrs", "http://localhost:8080", "comma-separated admin addresses")
	conc := flag.Int("c", 8, "concurrency")
	rounds := flag.Int("n", 1, "polling rounds")
	interval := flag.Duration("interval", time.Second, "time between rounds")
	flag.Parse()

	var targets []string
	for _, a := range strings.Split(*addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			targets = append(targets, "http://"+node.NormalizeHostPort(a, "8080"))
		}
	}
	client := &http.Client{Timeout: 5 * time.Second}

	agreed := false
	for round := 1; round <= *rounds; round++ {
		if round > 1 {
			time.Sleep(*interval)
		}
		start := time.Now()
		results := poll(client, targets, *conc)
		agreed = report(os.Stdout, results)
		fmt.Printf("round %d: polled %d members in %s\n", round, len(results), time.Since(start))
	}
	if !agreed {
		os.Exit(1)
	}
}

func poll(client *http.Client, targets []string, conc int) []result {
	results := make([]result, len(targets))
	wg := sync.WaitGroup{}
	ch := make(chan struct{}, max(conc, 1))
	for i, t := range targets {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int, t string) {
			defer wg.Done()
			defer func() { <-ch }()
			results[i] = fetch(client, t)
		}(i, t)
	}
	wg.Wait()
	return results
}

func fetch(client *http.Client, admin string) result {
	r := result{admin: admin}
	var in info
	if r.err = getJSON(client, admin+"/info", &in); r.err != nil {
		return r
	}
	var ms []member
	if r.err = getJSON(client, admin+"/members", &ms); r.err != nil {
		return r
	}
	r.self, r.state = in.Address, in.State
	for _, m := range ms {
		r.members = append(r.members, m.Address)
	}
	slices.Sort(r.members)
	return r
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// report prints one line per member and returns true if every reachable
// member knows exactly the other reachable members.
func report(w io.Writer, results []result) bool {
	var group []string
	for _, r := range results {
		if r.err == nil {
			group = append(group, r.self)
		}
	}
	slices.Sort(group)

	ok := len(group) == len(results)
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(w, "%-28s error: %v\n", r.admin, r.err)
			continue
		}
		want := slices.DeleteFunc(slices.Clone(group), func(a string) bool { return a == r.self })
		missing, extra := diff(want, r.members)
		status := "agrees"
		if len(missing) > 0 || len(extra) > 0 || r.state != "in_group" {
			status = fmt.Sprintf("missing=%v extra=%v", missing, extra)
			ok = false
		}
		fmt.Fprintf(w, "%-28s %-18s %-9s members=%-3d %s\n", r.admin, r.self, r.state, len(r.members), status)
	}
	if ok {
		fmt.Fprintf(w, "views agree on %d members\n", len(group))
	} else {
		fmt.Fprintln(w, "views DISAGREE")
	}
	return ok
}

// diff compares two sorted lists.
func diff(want, got []string) (missing, extra []string) {
	for _, a := range want {
		if _, found := slices.BinarySearch(got, a); !found {
			missing = append(missing, a)
		}
	}
	for _, a := range got {
		if _, found := slices.BinarySearch(want, a); !found {
			extra = append(extra, a)
		}
	}
	return missing, extra
}
