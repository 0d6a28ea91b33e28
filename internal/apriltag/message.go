package apriltag

// Point3 is a 3D point in a message.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is an orientation in a message.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PoseMessage is the camera-frame pose of a tag in a message.
type PoseMessage struct {
	Position    Point3     `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// Message is the output representation of a Detection.
//
// Corners carry a unit Z: they are pixel directions, not metric points.
// Pose is only filled when Size > 0; a zero Pose means "not estimated",
// not "tag at the camera origin".
type Message struct {
	ID      int                `json:"id"`
	Hamming int                `json:"hamming"`
	Size    float64            `json:"size"`
	Center  Point              `json:"center"`
	Corners [NumCorners]Point3 `json:"corners"`
	Pose    PoseMessage        `json:"pose"`
}

// FrameMessage holds all tags seen in one image.
type FrameMessage struct {
	FrameID   string    `json:"frame_id"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Tags      []Message `json:"tags"`
}

// ToMessage converts the detection into a Message. The pose is computed once
// by EstimatePose and only copied here.
func (d *Detection) ToMessage() Message {
	m := Message{
		ID:      d.ID,
		Hamming: d.Hamming,
		Center:  d.Center,
	}
	for i, c := range d.Corners {
		m.Corners[i] = Point3{X: c.X, Y: c.Y, Z: 1}
	}

	if d.Pose != nil {
		m.Size = d.Pose.TagSize
		m.Pose = PoseMessage{
			Position: Point3{
				X: d.Pose.Translation.X,
				Y: d.Pose.Translation.Y,
				Z: d.Pose.Translation.Z,
			},
			Orientation: Quaternion{
				W: d.Pose.Orientation.Real,
				X: d.Pose.Orientation.Imag,
				Y: d.Pose.Orientation.Jmag,
				Z: d.Pose.Orientation.Kmag,
			},
		}
	}
	return m
}

// HasPose reports whether the message carries an estimated pose.
func (m Message) HasPose() bool {
	return m.Size > 0
}

// ToMessages converts a frame's detections.
func ToMessages(detections []Detection) []Message {
	msgs := make([]Message, len(detections))
	for i := range detections {
		msgs[i] = detections[i].ToMessage()
	}
	return msgs
}
