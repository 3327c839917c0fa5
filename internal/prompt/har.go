package prompt

import "github.com/rulecraft/rulecraft/internal/models"

// HARBuilder builds prompts for the human activity recognition domain:
// camera tracking events, body-movement fluents, and distance thresholds.
type HARBuilder struct{}

// NewHARBuilder returns the HAR domain builder.
func NewHARBuilder() *HARBuilder { return &HARBuilder{} }

// DomainName identifies the domain.
func (b *HARBuilder) DomainName() string { return "har" }

// SystemPrompt combines the base event-calculus material with the HAR
// vocabulary.
func (b *HARBuilder) SystemPrompt() string {
	return baseSystemPrompt + "\n\n" + harDomainPrompt
}

// FewShotExamples returns the HAR teaching examples.
func (b *HARBuilder) FewShotExamples() []models.FewShotExample {
	return append([]models.FewShotExample(nil), harExamples...)
}

const harDomainPrompt = `We now generate composite activity definitions for human activity recognition (HAR).

In addition to the built-in events of RTEC, you may use the following HAR events:
  appear(Id)     The first time that entity "Id" is tracked by the cameras.
  disappear(Id)  The last time that entity "Id" is tracked by the cameras.
"Id" may refer to a person or an inanimate object.

You may also use the following HAR input fluents:
  coord(Id,X,Y)=true                 The coordinates of the tracked entity "Id" are "X" and "Y".
  walking(P)=true                    Person "P" is walking.
  active(P)=true                     Non-abrupt body movement of person "P" in the same position.
  inactive(P)=true                   Person "P" is standing still.
  running(P)=true                    Person "P" is running.
  abrupt(P)=true                     Person "P" moves abruptly without changing position significantly.
  person(P)=true                     The tracked entity "P" is a person.
  close(Id1,Id2,DistanceThreshold)=true
                                     The distance between "Id1" and "Id2" does not exceed the threshold.

You may use a background knowledge predicate "thresholds(Type, Value)":
  thresholds(leavingObject, T)  maximum distance to consider a person and an object in contact.
  thresholds(moving, T)         maximum gap distance between two people moving together.
  thresholds(fighting, T)       maximum distance between two people involved in a fight.`

var harExamples = []models.FewShotExample{
	{
		User: `Given a composite activity description, provide the rules in the language of RTEC.
Composite Activity Description - "leaving_object": This activity concerns a person and an
inanimate object. The activity starts when an object appears and at the same time a person is
very close to the object. The activity ends when the object disappears.`,
		Assistant: `The activity "leaving_object" is a simple fluent with two arguments, a person and an object.
It is initiated by the appearance of the object while the person is close to it, and terminated
when the object disappears:
` + "```prolog" + `
initiatedAt(leaving_object(Person, Object)=true, T) :-
    happensAt(appear(Object), T),
    holdsAt(close(Person, Object, 10)=true, T).

terminatedAt(leaving_object(Person, Object)=true, T) :-
    happensAt(disappear(Object), T).
` + "```",
	},
	{
		User: `Given a composite activity description, provide the rules in the language of RTEC.
Composite Activity Description - "moving": This activity concerns two people.
The activity lasts as long as both people are walking and they remain relatively close to each other.`,
		Assistant: `The activity "moving" is a statically determined fluent with two arguments, Person1 and Person2.
It holds for the intervals when both persons are walking and close together:
` + "```prolog" + `
holdsFor(moving(Person1, Person2)=true, I) :-
    holdsFor(walking(Person1)=true, I1),
    holdsFor(walking(Person2)=true, I2),
    intersect_all([I1, I2], I_inter),
    holdsFor(close(Person1, Person2, 20)=true, I_close),
    intersect_all([I_inter, I_close], I).
` + "```",
	},
}
