package alljoyn

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Introspection document header. Peers compare documents verbatim,
// so generated XML is formatted deterministically.
const (
	introspectDocType = `<!DOCTYPE node PUBLIC "-//allseen//DTD ALLJOYN Object Introspection 1.0//EN"` + "\n" +
		`"http://www.allseen.org/alljoyn/introspect-1.0.dtd">` + "\n"
)

// ObjectDescription describes an object's interfaces and child
// objects, as exchanged by introspection.
//
// Descriptions received from other peers are provided by the peer
// hosting the object, and may not accurately reflect the actual
// exposed API or object structure.
type ObjectDescription struct {
	// Path is the object's path, if the document names it.
	Path ObjectPath
	// Interfaces are the object's interfaces, in document order.
	Interfaces []*InterfaceDescription
	// Children are the names of the object's immediate children.
	Children []string
}

// Interface returns the named interface.
func (o *ObjectDescription) Interface(name string) (*InterfaceDescription, bool) {
	for _, d := range o.Interfaces {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// describe builds the introspection description of the object at
// path. obj is nil for paths with no object, which only have children.
func (c *Conn) describe(path ObjectPath, obj *Object) *ObjectDescription {
	ret := &ObjectDescription{
		Path:     path,
		Children: c.childNodes(path),
	}
	if obj == nil {
		ret.Interfaces = []*InterfaceDescription{introspectableIface}
		return ret
	}
	ret.Interfaces = append(obj.Interfaces(), standardIfaces...)
	return ret
}

// String returns the object's introspection XML document.
func (o *ObjectDescription) String() string {
	var b strings.Builder
	b.WriteString(introspectDocType)
	if o.Path != "" {
		fmt.Fprintf(&b, "<node name=%s>\n", xmlAttr(string(o.Path)))
	} else {
		b.WriteString("<node>\n")
	}
	for _, iface := range o.Interfaces {
		writeInterfaceXML(&b, iface)
	}
	for _, child := range o.Children {
		fmt.Fprintf(&b, "  <node name=%s/>\n", xmlAttr(child))
	}
	b.WriteString("</node>\n")
	return b.String()
}

func writeInterfaceXML(b *strings.Builder, d *InterfaceDescription) {
	fmt.Fprintf(b, "  <interface name=%s>\n", xmlAttr(d.Name))
	writeMember := func(kind string, m *Member) {
		if len(m.In)+len(m.Out)+len(m.Annotations) == 0 {
			fmt.Fprintf(b, "    <%s name=%s/>\n", kind, xmlAttr(m.Name))
			return
		}
		fmt.Fprintf(b, "    <%s name=%s>\n", kind, xmlAttr(m.Name))
		inDir := "in"
		if kind == "signal" {
			inDir = "out"
		}
		writeArgs := func(args []Arg, dir string) {
			for _, a := range args {
				b.WriteString("      <arg")
				if a.Name != "" {
					fmt.Fprintf(b, " name=%s", xmlAttr(a.Name))
				}
				fmt.Fprintf(b, " type=%s direction=%q/>\n", xmlAttr(a.Type), dir)
			}
		}
		writeArgs(m.In, inDir)
		writeArgs(m.Out, "out")
		writeAnnotations(b, "      ", m.Annotations)
		fmt.Fprintf(b, "    </%s>\n", kind)
	}
	for _, m := range d.Methods {
		writeMember("method", m)
	}
	for _, s := range d.Signals {
		writeMember("signal", s)
	}
	for _, p := range d.Properties {
		fmt.Fprintf(b, "    <property name=%s type=%s access=%q", xmlAttr(p.Name), xmlAttr(p.Type), p.Access)
		if len(p.Annotations) == 0 {
			b.WriteString("/>\n")
			continue
		}
		b.WriteString(">\n")
		writeAnnotations(b, "      ", p.Annotations)
		b.WriteString("    </property>\n")
	}
	writeAnnotations(b, "    ", d.Annotations)
	b.WriteString("  </interface>\n")
}

func writeAnnotations(b *strings.Builder, indent string, anns []Annotation) {
	for _, a := range anns {
		fmt.Fprintf(b, "%s<annotation name=%s value=%s/>\n", indent, xmlAttr(a.Name), xmlAttr(a.Value))
	}
}

func xmlAttr(s string) string {
	var b bytes.Buffer
	b.WriteByte('"')
	xml.EscapeText(&b, []byte(s))
	b.WriteByte('"')
	return b.String()
}

type xmlNode struct {
	Name       string         `xml:"name,attr"`
	Interfaces []xmlInterface `xml:"interface"`
	Children   []struct {
		Name string `xml:"name,attr"`
	} `xml:"node"`
}

type xmlInterface struct {
	Name        string        `xml:"name,attr"`
	Methods     []xmlMember   `xml:"method"`
	Signals     []xmlMember   `xml:"signal"`
	Properties  []xmlProperty `xml:"property"`
	Annotations []Annotation  `xml:"annotation"`
}

type xmlMember struct {
	Name string `xml:"name,attr"`
	Args []struct {
		Name      string `xml:"name,attr"`
		Type      string `xml:"type,attr"`
		Direction string `xml:"direction,attr"`
	} `xml:"arg"`
	Annotations []Annotation `xml:"annotation"`
}

type xmlProperty struct {
	Name        string       `xml:"name,attr"`
	Type        string       `xml:"type,attr"`
	Access      string       `xml:"access,attr"`
	Annotations []Annotation `xml:"annotation"`
}

// ParseIntrospection parses an introspection XML document. The
// returned interface descriptions are active.
func ParseIntrospection(doc string) (*ObjectDescription, error) {
	var raw xmlNode
	if err := xml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("parsing introspection: %w", err)
	}
	ret := &ObjectDescription{Path: ObjectPath(raw.Name)}
	for _, ri := range raw.Interfaces {
		d, err := ri.description()
		if err != nil {
			return nil, fmt.Errorf("parsing introspection of %s: %w", ri.Name, err)
		}
		ret.Interfaces = append(ret.Interfaces, d)
	}
	for _, child := range raw.Children {
		ret.Children = append(ret.Children, child.Name)
	}
	return ret, nil
}

func (ri *xmlInterface) description() (*InterfaceDescription, error) {
	d := NewInterface(ri.Name)
	for _, rm := range ri.Methods {
		var in, out []Arg
		for _, a := range rm.Args {
			if a.Direction == "out" {
				out = append(out, Arg{a.Name, a.Type})
			} else {
				in = append(in, Arg{a.Name, a.Type})
			}
		}
		if err := d.AddMethod(rm.Name, in, out, rm.Annotations...); err != nil {
			return nil, err
		}
	}
	for _, rs := range ri.Signals {
		var args []Arg
		for _, a := range rs.Args {
			args = append(args, Arg{a.Name, a.Type})
		}
		if err := d.AddSignal(rs.Name, args, rs.Annotations...); err != nil {
			return nil, err
		}
	}
	for _, rp := range ri.Properties {
		access, err := parsePropAccess(rp.Access)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", rp.Name, err)
		}
		if err := d.AddProperty(rp.Name, rp.Type, access, rp.Annotations...); err != nil {
			return nil, err
		}
	}
	d.Annotations = ri.Annotations
	d.Activate()
	return d, nil
}
