package prompt

import "fmt"

// Slot names filled by Assembler.
const (
	SlotConversation = "conversation_text"
	SlotMemory       = "mem0_context"
)

// Assembler fills an extraction template with a conversation and its
// memory context.
type Assembler struct {
	tpl *Template
}

// NewAssembler checks that tpl has both required slots.
func NewAssembler(tpl *Template) (*Assembler, error) {
	if tpl == nil {
		return nil, fmt.Errorf("%w: nil template", ErrMissingSlot)
	}
	for _, s := range []string{SlotConversation, SlotMemory} {
		if !tpl.Has(s) {
			return nil, fmt.Errorf("%w: template does not reference {%s}", ErrMissingSlot, s)
		}
	}
	return &Assembler{tpl: tpl}, nil
}

// NewDefaultAssembler returns an Assembler over DefaultTemplate.
func NewDefaultAssembler() *Assembler {
	return &Assembler{tpl: DefaultTemplate()}
}

// FromText parses text and wraps it in an Assembler.
func FromText(text string) (*Assembler, error) {
	return NewAssembler(Parse(text))
}

// Assemble renders the final prompt.
func (a *Assembler) Assemble(conversationText, memoryContext string) (string, error) {
	return a.tpl.Render(map[string]string{
		SlotConversation: conversationText,
		SlotMemory:       memoryContext,
	})
}

// Template returns the underlying template.
func (a *Assembler) Template() *Template {
	return a.tpl
}
