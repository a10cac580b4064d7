package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/pkg/client"
)

var errExit = errors.New("exit")

// shell runs one session worth of commands against the bridge.
type shell struct {
	client  *client.Client
	session *client.Session
	md      reqctx.Metadata
	cursors map[int]*client.Cursor
	nextID  int
	out     io.Writer
}

func newShell(c *client.Client, versionID string, out io.Writer) *shell {
	return &shell{
		client:  c,
		md:      reqctx.Metadata{VersionID: versionID, Path: "/" + versionID, RoutingPath: "/"},
		cursors: make(map[int]*client.Cursor),
		out:     out,
	}
}

func (s *shell) sess(ctx context.Context) (*client.Session, error) {
	if s.session != nil {
		return s.session, nil
	}
	sess, err := s.client.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	s.session = sess
	return sess, nil
}

// Close closes the session; the server rolls back an open transaction.
func (s *shell) Close(ctx context.Context) error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close(ctx)
	s.session = nil
	return err
}

const helpText = `Commands:
  begin | commit | rollback
  store <type> <json>
  query <chain-json>               print every row of an operation chain
  find <type> [url-query]          crud query, e.g. find Item .qty~gte=2&sort=-name
  delete <type> <url-query>        crud delete
  open <chain-json>                open a cursor and print its id
  next <cursor> [n]                print up to n rows (default 1)
  close <cursor>
  token <jwt>                      send "Authorization: Bearer <jwt>" from now on
  route <routing-path>
  backup <name>
  help
  exit / quit`

// exec runs one command line.
func (s *shell) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help":
		fmt.Fprintln(s.out, helpText)
		return nil
	case "exit", "quit":
		return errExit
	case "token":
		s.md.Headers = [][2]string{{"Authorization", "Bearer " + rest}}
		return nil
	case "route":
		s.md.RoutingPath = rest
		return nil
	case "backup":
		if rest == "" {
			return errors.New("backup requires a file name")
		}
		res, err := s.client.Backup(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "backup %s: %d bytes sha256=%s\n", res.Path, res.Bytes, res.SHA256)
		return nil
	}

	sess, err := s.sess(ctx)
	if err != nil {
		return err
	}
	switch strings.ToLower(cmd) {
	case "begin":
		return s.ok(sess.Begin(ctx))
	case "commit":
		return s.ok(sess.Commit(ctx))
	case "rollback":
		return s.ok(sess.Rollback(ctx))
	case "store":
		typeName, doc, ok := strings.Cut(rest, " ")
		if !ok {
			return errors.New("store requires a type and a json value")
		}
		var row any
		if err := json.Unmarshal([]byte(doc), &row); err != nil {
			return fmt.Errorf("invalid json value: %w", err)
		}
		ids, err := sess.Store(ctx, typeName, row, s.md)
		if err != nil {
			return err
		}
		return s.print(ids)
	case "query":
		chain, err := parseChain(rest)
		if err != nil {
			return err
		}
		cur, err := sess.Query(ctx, chain, s.md)
		if err != nil {
			return err
		}
		rows, err := cur.All(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := s.print(row); err != nil {
				return err
			}
		}
		fmt.Fprintf(s.out, "(%d rows)\n", len(rows))
		return nil
	case "find":
		typeName, raw, _ := strings.Cut(rest, " ")
		pairs, err := parseURLQuery(raw)
		if err != nil {
			return err
		}
		rows, err := sess.CrudQuery(ctx, query.CrudParams{TypeName: typeName, URLQuery: pairs}, s.md)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := s.print(row); err != nil {
				return err
			}
		}
		fmt.Fprintf(s.out, "(%d rows)\n", len(rows))
		return nil
	case "delete":
		typeName, raw, _ := strings.Cut(rest, " ")
		pairs, err := parseURLQuery(raw)
		if err != nil {
			return err
		}
		return s.ok(sess.CrudDelete(ctx, typeName, pairs, s.md))
	case "open":
		chain, err := parseChain(rest)
		if err != nil {
			return err
		}
		cur, err := sess.Query(ctx, chain, s.md)
		if err != nil {
			return err
		}
		s.nextID++
		s.cursors[s.nextID] = cur
		fmt.Fprintf(s.out, "cursor %d\n", s.nextID)
		return nil
	case "next":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return errors.New("next requires a cursor id")
		}
		id, cur, err := s.cursor(fields[0])
		if err != nil {
			return err
		}
		n := 1
		if len(fields) > 1 {
			if n, err = strconv.Atoi(fields[1]); err != nil || n < 1 {
				return fmt.Errorf("invalid row count %q", fields[1])
			}
		}
		for range n {
			row, ok, err := cur.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				delete(s.cursors, id)
				fmt.Fprintf(s.out, "cursor %d exhausted\n", id)
				return nil
			}
			if err := s.print(row); err != nil {
				return err
			}
		}
		return nil
	case "close":
		id, cur, err := s.cursor(rest)
		if err != nil {
			return err
		}
		delete(s.cursors, id)
		return s.ok(cur.Close(ctx))
	}
	return fmt.Errorf("unknown command %q, type 'help' for a list of commands", cmd)
}

func (s *shell) cursor(raw string) (int, *client.Cursor, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid cursor id %q", raw)
	}
	cur, ok := s.cursors[id]
	if !ok {
		return 0, nil, fmt.Errorf("no cursor %d", id)
	}
	return id, cur, nil
}

func (s *shell) ok(err error) error {
	if err == nil {
		fmt.Fprintln(s.out, "OK")
	}
	return err
}

func (s *shell) print(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, string(data))
	return err
}

func parseChain(raw string) (query.OpChain, error) {
	var chain query.OpChain
	if err := json.Unmarshal([]byte(raw), &chain); err != nil {
		return nil, fmt.Errorf("invalid operation chain: %w", err)
	}
	return chain, nil
}

// parseURLQuery keeps the order of the pairs and leaves a literal + alone,
// unlike url.ParseQuery.
func parseURLQuery(raw string) ([][2]string, error) {
	var pairs [][2]string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.PathUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("invalid url query key %q: %w", k, err)
		}
		val, err := url.PathUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("invalid url query value %q: %w", v, err)
		}
		pairs = append(pairs, [2]string{key, val})
	}
	return pairs, nil
}
