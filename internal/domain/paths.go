package domain

// CallsRoot is the collection every call record lives under.
const CallsRoot = "calls"

func CallPath(id CallID) string { return CallsRoot + "/" + string(id) }

func StatusPath(id CallID) string { return CallPath(id) + "/status" }

func OfferPath(id CallID) string { return CallPath(id) + "/offer" }

func AnswerPath(id CallID) string { return CallPath(id) + "/answer" }

// CandidatesPath is the append-only list owned by participant p.
func CandidatesPath(id CallID, p ParticipantID) string {
	return CallPath(id) + "/candidates/" + string(p)
}
