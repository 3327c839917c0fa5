package prompt

import "github.com/rulecraft/rulecraft/internal/models"

// MSABuilder builds prompts for the maritime situational awareness domain:
// vessel movement events, proximity fluents, and port/area background
// knowledge.
type MSABuilder struct{}

// NewMSABuilder returns the MSA domain builder.
func NewMSABuilder() *MSABuilder { return &MSABuilder{} }

// DomainName identifies the domain.
func (b *MSABuilder) DomainName() string { return "msa" }

// SystemPrompt combines the base event-calculus material with the MSA
// vocabulary.
func (b *MSABuilder) SystemPrompt() string {
	return baseSystemPrompt + "\n\n" + msaDomainPrompt
}

// FewShotExamples returns the MSA teaching examples.
func (b *MSABuilder) FewShotExamples() []models.FewShotExample {
	return append([]models.FewShotExample(nil), msaExamples...)
}

const msaDomainPrompt = `We now generate composite activity definitions for maritime situational awareness (MSA).

In addition to the built-in events of RTEC, you may use the following MSA events:
  change_in_speed_start(Vessel)    "Vessel" started changing its speed.
  change_in_speed_end(Vessel)      "Vessel" stopped changing its speed.
  change_in_heading(Vessel)        "Vessel" changed its heading.
  stop_start(Vessel)               "Vessel" started being idle.
  stop_end(Vessel)                 "Vessel" stopped being idle.
  slow_motion_start(Vessel)        "Vessel" started moving at a low speed.
  slow_motion_end(Vessel)          "Vessel" stopped moving at a low speed.
  gap_start(Vessel)                "Vessel" stopped sending position signals.
  gap_end(Vessel)                  "Vessel" resumed sending position signals.
  entersArea(Vessel,AreaID)        "Vessel" enters the area with id "AreaID".
  leavesArea(Vessel,AreaID)        "Vessel" leaves the area with id "AreaID".
  velocity(Vessel,Speed,CourseOverGround,TrueHeading)
                                   "Vessel" moves with "Speed" in the direction "CourseOverGround"
                                   while its bow points in the direction "TrueHeading".

You may also use the MSA input fluent:
  proximity(Vessel1,Vessel2)=true  "Vessel1" and "Vessel2" are close to each other.

You may use a background knowledge predicate "thresholds(Type, Value)" whose values can be used
in mathematical operations and comparisons, and a predicate "areaType(Area, AreaType)" relating
an area id to its type.`

var msaExamples = []models.FewShotExample{
	{
		User: `Given a composite maritime activity description, provide the rules in the language of RTEC.
Composite Maritime Activity Description: "withinArea".
This activity starts when a vessel enters an area of interest.
The activity ends when the vessel leaves the area that it had entered,
or when the vessel stops transmitting its position, since we can no longer
assume that the vessel remains in the same area in the case of transmission gaps.`,
		Assistant: `The activity "withinArea" is expressed as a Boolean simple fluent with two arguments,
"Vessel" and "AreaType". It starts when a vessel enters an area of interest:
` + "```prolog" + `
initiatedAt(withinArea(Vessel, AreaType)=true, T) :-
    happensAt(entersArea(Vessel, Area), T),
    areaType(Area, AreaType).
` + "```" + `
It ends when the vessel leaves the area it had entered:
` + "```prolog" + `
terminatedAt(withinArea(Vessel, AreaType)=true, T) :-
    happensAt(leavesArea(Vessel, Area), T),
    areaType(Area, AreaType).
` + "```" + `
It also ends when a communication gap starts; the second argument is then a free variable:
` + "```prolog" + `
terminatedAt(withinArea(Vessel, _AreaType)=true, T) :-
    happensAt(gap_start(Vessel), T).
` + "```",
	},
	{
		User: `Given a composite maritime activity description, provide the rules in the language of RTEC.
Composite Maritime Activity Description: "gap".
A communication gap starts when a vessel stops sending position signals, either near some port
or far from all ports. The gap ends when the vessel resumes sending position signals.`,
		Assistant: `The activity "gap" is expressed as a simple fluent with one argument, "Vessel", whose value
records whether the gap occurred near ports or far from them:
` + "```prolog" + `
initiatedAt(gap(Vessel)=nearPorts, T) :-
    happensAt(gap_start(Vessel), T),
    holdsAt(withinArea(Vessel, nearPorts)=true, T).

initiatedAt(gap(Vessel)=farFromPorts, T) :-
    happensAt(gap_start(Vessel), T),
    \+ holdsAt(withinArea(Vessel, nearPorts)=true, T).

terminatedAt(gap(Vessel)=_Status, T) :-
    happensAt(gap_end(Vessel), T).
` + "```",
	},
}
