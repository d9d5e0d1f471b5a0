// Package template renders chat messages into a model prompt.
package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	"github.com/agnivade/levenshtein"
)

// DefaultSystem is the system prompt used when a conversation has none.
const DefaultSystem = "You are a helpful, respectful and honest AI assistant."

// DefaultName is the template used when a model does not name one.
const DefaultName = "chatml"

//go:embed index.json
var indexBytes []byte

//go:embed *.gotmpl
var templatesFS embed.FS

var templatesOnce = sync.OnceValues(func() ([]*named, error) {
	var templates []*named
	if err := json.Unmarshal(indexBytes, &templates); err != nil {
		return nil, err
	}
	for _, t := range templates {
		bts, err := templatesFS.ReadFile(t.Name + ".gotmpl")
		if err != nil {
			return nil, err
		}
		t.Bytes = bytes.ReplaceAll(bts, []byte("\r\n"), []byte("\n"))
	}
	return templates, nil
})

type named struct {
	Name string `json:"name"`
	// Template is the Jinja chat template this entry stands for.
	Template string `json:"template"`
	Bytes    []byte
}

// markers identify a template family when no Jinja template is close
// enough. Order matters: llama2 and mistral share [INST].
var markers = []struct {
	name   string
	marker string
}{
	{"chatml", "<|im_start|>"},
	{"llama3", "<|start_header_id|>"},
	{"gemma", "<start_of_turn>"},
	{"zephyr", "<|assistant|>"},
	{"llama2", "<<SYS>>"},
	{"mistral", "[INST]"},
}

var ErrNoMatch = errors.New("no matching template found")

// Named returns the name of the embedded template closest to the Jinja chat
// template s.
func Named(s string) (string, error) {
	templates, err := templatesOnce()
	if err != nil {
		return "", err
	}

	var best string
	score := math.MaxInt
	for _, t := range templates {
		if d := levenshtein.ComputeDistance(s, t.Template); d < score {
			score = d
			best = t.Name
		}
	}
	if score < 100 {
		return best, nil
	}
	for _, m := range markers {
		if strings.Contains(s, m.marker) {
			return m.name, nil
		}
	}
	return "", ErrNoMatch
}

// Names lists the embedded templates.
func Names() []string {
	templates, err := templatesOnce()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.Name)
	}
	return names
}

// Get parses the embedded template called name.
func Get(name string) (*Template, error) {
	templates, err := templatesOnce()
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		if t.Name == name {
			tmpl, err := Parse(string(t.Bytes))
			if err != nil {
				return nil, err
			}
			tmpl.name = name
			return tmpl, nil
		}
	}
	return nil, ErrNoMatch
}

// ForModel picks the template for a model's GGUF chat template, falling
// back to ChatML.
func ForModel(chatTemplate string) *Template {
	name := DefaultName
	if chatTemplate != "" {
		if n, err := Named(chatTemplate); err == nil {
			name = n
		}
	}
	t, err := Get(name)
	if err != nil {
		panic(err)
	}
	return t
}

type Template struct {
	*template.Template
	raw  string
	name string
}

var response = parse.ActionNode{
	NodeType: parse.NodeAction,
	Pipe: &parse.PipeNode{
		NodeType: parse.NodePipe,
		Cmds: []*parse.CommandNode{
			{
				NodeType: parse.NodeCommand,
				Args: []parse.Node{
					&parse.FieldNode{
						NodeType: parse.NodeField,
						Ident:    []string{"Response"},
					},
				},
			},
		},
	},
}

// Parse compiles a Go template. Templates that use neither Messages nor
// Response get {{ .Response }} appended.
func Parse(s string) (*Template, error) {
	tmpl, err := template.New("").Option("missingkey=zero").Funcs(template.FuncMap{
		"toJson": func(v any) string {
			b, err := json.Marshal(v)
			if err != nil {
				return ""
			}
			return string(b)
		},
	}).Parse(s)
	if err != nil {
		return nil, err
	}

	t := Template{Template: tmpl, raw: s, name: "custom"}
	if vars := t.Vars(); !slices.Contains(vars, "messages") && !slices.Contains(vars, "response") {
		tmpl.Tree.Root.Nodes = append(tmpl.Tree.Root.Nodes, &response)
	}
	return &t, nil
}

func (t *Template) String() string { return t.raw }

func (t *Template) Name() string { return t.name }

// Vars lists the lower-cased field names the template refers to.
func (t *Template) Vars() []string {
	var vars []string
	for _, tt := range t.Templates() {
		for _, n := range tt.Root.Nodes {
			vars = append(vars, parseNode(n)...)
		}
	}

	set := make(map[string]struct{})
	for _, n := range vars {
		set[strings.ToLower(n)] = struct{}{}
	}
	vars = vars[:0]
	for k := range set {
		vars = append(vars, k)
	}
	slices.Sort(vars)
	return vars
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Values struct {
	Messages []Message
	// System overrides the system messages when set.
	System string
}

// Render executes the template into a string.
func (t *Template) Render(v Values) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Execute renders v. Message templates see every turn at once; prompt and
// response templates are rendered once per completed exchange and cut after
// {{ .Response }} for the final prompt.
func (t *Template) Execute(w io.Writer, v Values) error {
	system, collated := collate(v.Messages)
	if v.System != "" {
		system = v.System
	}
	if slices.Contains(t.Vars(), "messages") {
		return t.Template.Execute(w, map[string]any{
			"System":   system,
			"Messages": collated,
		})
	}

	var b bytes.Buffer
	var prompt, response string
	for i, m := range collated {
		if m.Role == "user" {
			prompt = m.Content
		} else {
			response = m.Content
		}

		if i != len(collated)-1 && prompt != "" && response != "" {
			if err := t.Template.Execute(&b, map[string]any{
				"System":   "",
				"Prompt":   prompt,
				"Response": response,
			}); err != nil {
				return err
			}
			prompt, response = "", ""
		}
	}

	var cut bool
	tree := t.Template.Copy()
	tree.Root.Nodes = slices.DeleteFunc(tree.Root.Nodes, func(n parse.Node) bool {
		if slices.Contains(parseNode(n), "Response") {
			cut = true
		}
		return cut
	})

	if err := template.Must(template.New("").AddParseTree("", tree)).Execute(&b, map[string]any{
		"System": system,
		"Prompt": prompt,
	}); err != nil {
		return err
	}

	_, err := io.Copy(w, &b)
	return err
}

// collate joins system messages into one system prompt and merges
// consecutive messages of the same role.
func collate(msgs []Message) (system string, collated []*Message) {
	for i := range msgs {
		msg := msgs[i]
		if msg.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		if len(collated) > 0 && collated[len(collated)-1].Role == msg.Role {
			collated[len(collated)-1].Content += "\n\n" + msg.Content
		} else {
			collated = append(collated, &msg)
		}
	}
	return
}

func parseNode(n parse.Node) []string {
	switch n := n.(type) {
	case *parse.ActionNode:
		return parseNode(n.Pipe)
	case *parse.IfNode:
		return parseBranch(&n.BranchNode)
	case *parse.RangeNode:
		return parseBranch(&n.BranchNode)
	case *parse.WithNode:
		return parseBranch(&n.BranchNode)
	case *parse.PipeNode:
		var names []string
		for _, c := range n.Cmds {
			for _, a := range c.Args {
				names = append(names, parseNode(a)...)
			}
		}
		return names
	case *parse.ListNode:
		var names []string
		for _, n := range n.Nodes {
			names = append(names, parseNode(n)...)
		}
		return names
	case *parse.FieldNode:
		return n.Ident
	case *parse.VariableNode:
		// $.Messages
		if len(n.Ident) > 1 {
			return n.Ident[1:]
		}
	case *parse.TemplateNode:
		return parseNode(n.Pipe)
	}
	return nil
}

func parseBranch(n *parse.BranchNode) []string {
	names := parseNode(n.Pipe)
	names = append(names, parseNode(n.List)...)
	if n.ElseList != nil {
		names = append(names, parseNode(n.ElseList)...)
	}
	return names
}
