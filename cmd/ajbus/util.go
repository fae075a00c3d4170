package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"strings"

	"github.com/creachadair/mds/heapq"
	"github.com/danderson/alljoyn"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			_, err := io.WriteString(os.Stdout, i.prefix)
			if err != nil {
				return ret, err
			}
		}

		var wr []byte
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			wr, bs = bs, nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

type objectInterface struct {
	Path        alljoyn.ObjectPath
	Description *alljoyn.InterfaceDescription
}

func standardInterface(name string) bool {
	switch name {
	case alljoyn.PeerInterface, alljoyn.IntrospectableInterface, alljoyn.PropertiesInterface:
		return true
	}
	return false
}

// listInterfaces walks the object tree of peer in path order, and
// yields the interfaces whose object and name match the filters.
func listInterfaces(ctx context.Context, peer alljoyn.Peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(func(a, b alljoyn.ProxyObject) int {
			return cmp.Compare(a.Path(), b.Path())
		})
		objs.Add(peer.Object("/"))
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Introspect(ctx)
			if err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(peer.Object(obj.Path().Child(child)))
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			for _, iface := range desc.Interfaces {
				if interfaceFilter == "" && standardInterface(iface.Name) {
					continue
				}
				if !im.MatchString(iface.Name) {
					continue
				}
				if !yield(objectInterface{obj.Path(), iface}, nil) {
					return
				}
			}
		}
	}
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
